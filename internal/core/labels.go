package core

import (
	"fmt"
	"strings"
)

// LabelSet is the ordered list of class names. The position of a label is
// its class index in logits and probabilities.
type LabelSet []string

var DefaultLabels = LabelSet{
	"Moyamoya Disease with Intraventricular Hemorrhage",
	"Neurofibromatosis Type 1 (NF1)",
	"Optic Glioma",
	"Tuberous Sclerosis",
	"normal",
}

// ParseLabels reads a comma separated label list.
func ParseLabels(s string) (LabelSet, error) {
	var labels LabelSet
	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		label := strings.TrimSpace(part)
		if label == "" {
			return nil, fmt.Errorf("empty label in %q", s)
		}
		if _, ok := seen[label]; ok {
			return nil, fmt.Errorf("duplicate label %q", label)
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	return labels, nil
}

func (l LabelSet) Index(label string) int {
	for i, name := range l {
		if name == label {
			return i
		}
	}
	return -1
}

func (l LabelSet) String() string {
	return strings.Join(l, ",")
}
