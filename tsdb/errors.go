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

package tsdb

import "errors"

var (
	// ErrOutOfOrder is returned for an append with a timestamp older than
	// what the out-of-order window permits.
	ErrOutOfOrder = errors.New("out of order sample")

	// ErrNotFound is returned when a requested series does not exist.
	ErrNotFound = errors.New("series not found")

	// ErrDuplicateSeries is returned by an explicit create for a label set
	// that is already registered.
	ErrDuplicateSeries = errors.New("series already exists")

	// ErrEmptySelector is returned when resolving a matcher set that has no
	// matcher excluding the empty string.
	ErrEmptySelector = errors.New("selector needs at least one matcher that does not match the empty string")
)
