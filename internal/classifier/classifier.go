// Package classifier provides the scam classifiers consulted by analysis tasks.
package classifier

import (
	"context"
	"fmt"
	"slices"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// Classifier judges a transcript and extracts candidate indicators.
// Implementations must be safe for concurrent use.
type Classifier interface {
	Name() string
	Analyze(ctx context.Context, transcript []domain.Turn) (domain.ClassifierOutput, error)
}

// registry holds the built-in classifiers. It is fixed at init; remote
// classifiers are built by the caller and passed to NewCouncil directly.
var registry = map[string]Classifier{
	"rules":    NewRules(),
	"keywords": NewKeywords(),
	"links":    NewLinks(),
}

// Get returns a built-in classifier by name: "rules", "keywords" or "links".
func Get(name string) (Classifier, error) {
	c, exists := registry[name]
	if !exists {
		return nil, fmt.Errorf("unknown classifier: %s", name)
	}
	return c, nil
}

// Names returns the sorted names of the built-in classifiers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve looks up each name in order.
func Resolve(names []string) ([]Classifier, error) {
	out := make([]Classifier, 0, len(names))
	for _, name := range names {
		c, err := Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
