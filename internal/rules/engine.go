package rules

import (
	"fmt"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/models"
)

// Result 一次评估的结果；单条规则失败不影响其他规则
type Result struct {
	Candidates []Candidate
	Errors     []error
}

// Engine 规则引擎
type Engine struct {
	rules []Rule
}

// NewEngine 创建规则引擎；规则按传入顺序评估
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Rules 已加载的规则
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Evaluate 评估事件
func (e *Engine) Evaluate(event models.MetricEvent) Result {
	var res Result
	for _, r := range e.rules {
		c, err := evaluateSafely(r, event)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if c != nil {
			res.Candidates = append(res.Candidates, *c)
		}
	}
	return res
}

func evaluateSafely(r Rule, event models.MetricEvent) (c *Candidate, err error) {
	defer func() {
		if p := recover(); p != nil {
			c = nil
			err = apperr.RuleEvaluation(string(r.Name()), fmt.Errorf("panic: %v", p))
		}
	}()
	c, err = r.Evaluate(event)
	if err != nil && !apperr.IsKind(err, apperr.KindRuleEvaluation) {
		err = apperr.RuleEvaluation(string(r.Name()), err)
	}
	return c, err
}
