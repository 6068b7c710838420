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

package parser

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/promkv/promkv/model/labels"
)

func (node *AggregateExpr) String() string {
	aggrString := node.getAggOpStr()
	aggrString += "("
	if node.Op.IsAggregatorWithParam() {
		aggrString += fmt.Sprintf("%s, ", node.Param)
	}
	aggrString += fmt.Sprintf("%s)", node.Expr)

	return aggrString
}

func (node *AggregateExpr) getAggOpStr() string {
	aggrString := node.Op.String()

	switch {
	case node.Without:
		aggrString += fmt.Sprintf(" without (%s) ", strings.Join(node.Grouping, ", "))
	case len(node.Grouping) > 0:
		aggrString += fmt.Sprintf(" by (%s) ", strings.Join(node.Grouping, ", "))
	}

	return aggrString
}

func (node *BinaryExpr) String() string {
	returnBool := ""
	if node.ReturnBool {
		returnBool = " bool"
	}

	matching := ""
	vm := node.VectorMatching
	if vm != nil && (len(vm.MatchingLabels) > 0 || vm.On) {
		vmTag := "ignoring"
		if vm.On {
			vmTag = "on"
		}
		matching = fmt.Sprintf(" %s (%s)", vmTag, strings.Join(vm.MatchingLabels, ", "))

		if vm.Card == CardManyToOne || vm.Card == CardOneToMany {
			vmCard := "right"
			if vm.Card == CardManyToOne {
				vmCard = "left"
			}
			matching += fmt.Sprintf(" group_%s (%s)", vmCard, strings.Join(vm.Include, ", "))
		}
	}
	return fmt.Sprintf("%s %s%s%s %s", node.LHS, node.Op, returnBool, matching, node.RHS)
}

func (node *Call) String() string {
	return fmt.Sprintf("%s(%s)", node.Func.Name, node.Args)
}

func (node *MatrixSelector) String() string {
	// Copy the Vector selector before changing the offset.
	vecSelector := *node.VectorSelector.(*VectorSelector)
	offset := ""
	switch {
	case vecSelector.Offset > time.Duration(0):
		offset = fmt.Sprintf(" offset %s", formatDuration(vecSelector.Offset))
	case vecSelector.Offset < time.Duration(0):
		offset = fmt.Sprintf(" offset -%s", formatDuration(-vecSelector.Offset))
	}

	// Do not print the offset twice.
	vecSelector.Offset = 0

	return fmt.Sprintf("%s[%s]%s", vecSelector.String(), formatDuration(node.Range), offset)
}

func (node *SubqueryExpr) String() string {
	step := ""
	if node.Step != 0 {
		step = formatDuration(node.Step)
	}
	offset := ""
	switch {
	case node.Offset > time.Duration(0):
		offset = fmt.Sprintf(" offset %s", formatDuration(node.Offset))
	case node.Offset < time.Duration(0):
		offset = fmt.Sprintf(" offset -%s", formatDuration(-node.Offset))
	}
	return fmt.Sprintf("%s[%s:%s]%s", node.Expr.String(), formatDuration(node.Range), step, offset)
}

func (node *NumberLiteral) String() string {
	return fmt.Sprint(node.Val)
}

func (node *ParenExpr) String() string {
	return fmt.Sprintf("(%s)", node.Expr)
}

func (node *StringLiteral) String() string {
	return fmt.Sprintf("%q", node.Val)
}

func (node *UnaryExpr) String() string {
	return fmt.Sprintf("%s%s", node.Op, node.Expr)
}

func (node *VectorSelector) String() string {
	var labelStrings []string
	if len(node.LabelMatchers) > 1 {
		labelStrings = make([]string, 0, len(node.LabelMatchers)-1)
	}
	for _, matcher := range node.LabelMatchers {
		// Only include the __name__ label if its equality matching and matches the name.
		if matcher.Name == labels.MetricName && matcher.Type == labels.MatchEqual && matcher.Value == node.Name {
			continue
		}
		labelStrings = append(labelStrings, matcher.String())
	}
	offset := ""
	switch {
	case node.Offset > time.Duration(0):
		offset = fmt.Sprintf(" offset %s", formatDuration(node.Offset))
	case node.Offset < time.Duration(0):
		offset = fmt.Sprintf(" offset -%s", formatDuration(-node.Offset))
	}
	at := ""
	if node.Timestamp != nil {
		at = fmt.Sprintf(" @ %.3f", float64(*node.Timestamp)/1000.0)
	}

	if len(labelStrings) == 0 {
		return fmt.Sprintf("%s%s%s", node.Name, at, offset)
	}
	sort.Strings(labelStrings)
	return fmt.Sprintf("%s{%s}%s%s", node.Name, strings.Join(labelStrings, ","), at, offset)
}

func (node Expressions) String() (s string) {
	if len(node) == 0 {
		return ""
	}
	for _, e := range node {
		s += e.String()
		s += ", "
	}
	return s[:len(s)-2]
}

// formatDuration formats a duration in Prometheus duration notation.
func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 {
		return "0s"
	}
	var (
		r     = ms
		parts []string
	)
	f := func(unit string, mult int64, exact bool) {
		if exact && r%mult != 0 {
			return
		}
		if v := r / mult; v > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", v, unit))
			r -= v * mult
		}
	}
	// Only days, hours, minutes, seconds and milliseconds; weeks and years
	// are ambiguous in display.
	f("d", 24*60*60*1000, false)
	f("h", 60*60*1000, false)
	f("m", 60*1000, false)
	f("s", 1000, false)
	f("ms", 1, false)
	return strings.Join(parts, "")
}
