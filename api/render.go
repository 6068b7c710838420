// Copyright 2024 The PromKV Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/promkv/promkv/promql"
	"github.com/promkv/promkv/promql/parser"
	"github.com/promkv/promkv/tsdb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type status string

const (
	statusSuccess status = "success"
	statusError   status = "error"
)

type errorType string

const (
	errorNone      errorType = ""
	errorBadData   errorType = "bad_data"
	errorNotFound  errorType = "not_found"
	errorExec      errorType = "execution"
	errorCanceled  errorType = "canceled"
	errorTimeout   errorType = "timeout"
	errorExhausted errorType = "exhausted"
	errorBusy      errorType = "busy"
	errorInternal  errorType = "internal"
)

// Response is the wire shape of every command reply, following the
// Prometheus HTTP API conventions.
type Response struct {
	Status    status      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorType errorType   `json:"errorType,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// queryData wraps a query result with its type tag.
type queryData struct {
	ResultType parser.ValueType `json:"resultType"`
	Result     interface{}      `json:"result"`
}

func respondOK(data interface{}) Response {
	return Response{Status: statusSuccess, Data: data}
}

func respondError(typ errorType, err error) Response {
	return Response{Status: statusError, ErrorType: typ, Error: err.Error()}
}

// errorResponse maps core errors onto the error taxonomy.
func errorResponse(err error) Response {
	var parseErr *parser.ParseErr
	var matchErr promql.ErrVectorMatching
	switch {
	case errors.As(err, &parseErr):
		return respondError(errorBadData, err)
	case errors.Is(err, tsdb.ErrEmptySelector),
		errors.Is(err, tsdb.ErrOutOfOrder),
		errors.Is(err, tsdb.ErrDuplicateSeries):
		return respondError(errorBadData, err)
	case errors.Is(err, tsdb.ErrNotFound):
		return respondError(errorNotFound, err)
	case errors.As(err, &matchErr):
		return respondError(errorExec, err)
	default:
	}
	switch err.(type) {
	case promql.ErrQueryCanceled:
		return respondError(errorCanceled, err)
	case promql.ErrQueryTimeout:
		return respondError(errorTimeout, err)
	case promql.ErrTooManySamples:
		return respondError(errorExhausted, err)
	case promql.ErrQueryBusy:
		return respondError(errorBusy, err)
	case *badDataError:
		return respondError(errorBadData, err)
	}
	return respondError(errorInternal, err)
}

// badDataError marks command argument errors.
type badDataError struct {
	err error
}

func (e *badDataError) Error() string { return e.err.Error() }
func (e *badDataError) Unwrap() error { return e.err }

func badData(err error) error { return &badDataError{err: err} }

// samplePair renders as [unixSeconds, "value"].
type samplePair struct {
	T int64
	V float64
}

func (p samplePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{
		float64(p.T) / 1000,
		strconv.FormatFloat(p.V, 'f', -1, 64),
	})
}

type vectorSample struct {
	Metric map[string]string `json:"metric"`
	Value  samplePair        `json:"value"`
}

type matrixSeries struct {
	Metric map[string]string `json:"metric"`
	Values []samplePair      `json:"values"`
}

// renderValue shapes a promql result value for the response body.
func renderValue(v promql.Value) queryData {
	switch val := v.(type) {
	case promql.Scalar:
		return queryData{
			ResultType: parser.ValueTypeScalar,
			Result:     samplePair{T: val.T, V: val.V},
		}
	case promql.String:
		return queryData{
			ResultType: parser.ValueTypeString,
			Result:     [2]interface{}{float64(val.T) / 1000, val.V},
		}
	case promql.Vector:
		samples := make([]vectorSample, 0, len(val))
		for _, s := range val {
			samples = append(samples, vectorSample{
				Metric: s.Metric.Map(),
				Value:  samplePair{T: s.T, V: s.V},
			})
		}
		return queryData{ResultType: parser.ValueTypeVector, Result: samples}
	case promql.Matrix:
		series := make([]matrixSeries, 0, len(val))
		for _, s := range val {
			values := make([]samplePair, 0, len(s.Points))
			for _, p := range s.Points {
				values = append(values, samplePair{T: p.T, V: p.V})
			}
			series = append(series, matrixSeries{Metric: s.Metric.Map(), Values: values})
		}
		return queryData{ResultType: parser.ValueTypeMatrix, Result: series}
	}
	return queryData{ResultType: parser.ValueTypeNone}
}

// Encode serializes the response.
func (r Response) Encode() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// Marshalling of our own types does not fail; guard anyway.
		return []byte(`{"status":"error","errorType":"internal","error":"response encoding failed"}`)
	}
	return b
}
