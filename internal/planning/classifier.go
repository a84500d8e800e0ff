package planning

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/forge-mes/forge-mes/internal/masterdata"
)

// defaultOutsourceTokens are the workcenter-type tokens recognised as
// outsourced operations, including locale synonyms seen in the field.
var defaultOutsourceTokens = []string{
	"outsource",
	"outsourced",
	"outsourcing",
	"subcontract",
	"subcontracted",
	"外协",
	"外包",
	"委外",
}

// OutsourceClassifier decides whether a routing step is performed by an
// external supplier. Matching is an exact token match after case folding.
type OutsourceClassifier struct {
	tokens map[string]struct{}
	folder cases.Caser
}

// NewOutsourceClassifier builds a classifier; extra tokens extend the default
// synonym set.
func NewOutsourceClassifier(extra ...string) *OutsourceClassifier {
	c := &OutsourceClassifier{
		tokens: make(map[string]struct{}),
		folder: cases.Fold(),
	}
	for _, t := range defaultOutsourceTokens {
		c.tokens[c.normalize(t)] = struct{}{}
	}
	for _, t := range extra {
		if t != "" {
			c.tokens[c.normalize(t)] = struct{}{}
		}
	}
	return c
}

func (c *OutsourceClassifier) normalize(token string) string {
	return c.folder.String(strings.TrimSpace(token))
}

// IsOutsourced reports whether the step's workcenter type matches an
// outsourcing token.
func (c *OutsourceClassifier) IsOutsourced(step masterdata.RoutingStep) bool {
	_, ok := c.tokens[c.normalize(step.WorkcenterType)]
	return ok
}

// AnyOutsourced reports whether any step of the routing is outsourced.
func (c *OutsourceClassifier) AnyOutsourced(steps []masterdata.RoutingStep) bool {
	for _, s := range steps {
		if c.IsOutsourced(s) {
			return true
		}
	}
	return false
}

// FirstOutsourced returns the first outsourced step in sequence order, or the
// first step at all when none is flagged, matching subcontract defaulting.
func (c *OutsourceClassifier) FirstOutsourced(steps []masterdata.RoutingStep) (masterdata.RoutingStep, bool) {
	for _, s := range steps {
		if c.IsOutsourced(s) {
			return s, true
		}
	}
	if len(steps) > 0 {
		return steps[0], true
	}
	return masterdata.RoutingStep{}, false
}
