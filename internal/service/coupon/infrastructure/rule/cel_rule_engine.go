// internal/service/coupon/infrastructure/rule/cel_rule_engine.go
package rule

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"nexus-coupon/internal/service/coupon/domain"
)

// CELRuleEngine 是 domain.RuleEngine 的 CEL 实现。
// 规则中可以引用 user_id 和 campaign_id 两个 int 变量，例如 "user_id % 10 < 3"。
type CELRuleEngine struct {
	env      *cel.Env
	programs sync.Map // rule -> cel.Program
}

// NewCELRuleEngine 创建规则引擎实例
func NewCELRuleEngine() (*CELRuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.IntType),
		cel.Variable("campaign_id", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cel env: %w", err)
	}
	return &CELRuleEngine{env: env}, nil
}

// Evaluate 实现了 domain.RuleEngine 接口。空规则视为放行。
func (e *CELRuleEngine) Evaluate(ruleDefinition string, fact domain.Fact) (bool, error) {
	ruleDefinition = strings.TrimSpace(ruleDefinition)
	if ruleDefinition == "" {
		return true, nil
	}

	prg, err := e.program(ruleDefinition)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"user_id":     fact.UserID,
		"campaign_id": fact.CampaignID,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate rule %q: %w", ruleDefinition, err)
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q must evaluate to bool, got %T", ruleDefinition, out.Value())
	}
	return passed, nil
}

// program 编译并缓存规则，活动规则在秒杀期间会被反复求值
func (e *CELRuleEngine) program(ruleDefinition string) (cel.Program, error) {
	if cached, ok := e.programs.Load(ruleDefinition); ok {
		return cached.(cel.Program), nil
	}
	ast, iss := e.env.Compile(ruleDefinition)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile rule %q: %w", ruleDefinition, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program for rule %q: %w", ruleDefinition, err)
	}
	actual, _ := e.programs.LoadOrStore(ruleDefinition, prg)
	return actual.(cel.Program), nil
}
