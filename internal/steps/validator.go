// Package steps はワークショップ各ステップの入力完了判定を提供する。
// 判定はUIのナビゲーション制御用であり、サーバー側で保存を拒否するためのものではない。
package steps

import (
	"github.com/hitoshi/workshopwizard/internal/model"
)

// MarketPolicy はステップ8（市場評価）の完了条件を表す。
type MarketPolicy int

const (
	// MarketPolicyAllListed は一覧にある全市場の全基準が採点済みで、
	// かつ1つ以上の市場が選択されていることを要求する。
	MarketPolicyAllListed MarketPolicy = iota
	// MarketPolicySelectedOnly は選択された市場のみ全基準の採点を要求する。
	// 未選択の未採点市場は完了をブロックしない。
	MarketPolicySelectedOnly
)

// String はポリシー名を返す。
func (p MarketPolicy) String() string {
	switch p {
	case MarketPolicySelectedOnly:
		return "selected_only"
	default:
		return "all_listed"
	}
}

// ParseMarketPolicy は設定値からMarketPolicyを解析する。
// 不明な値はMarketPolicyAllListedとして扱う。
func ParseMarketPolicy(s string) MarketPolicy {
	if s == "selected_only" {
		return MarketPolicySelectedOnly
	}
	return MarketPolicyAllListed
}

// Result はステップ完了判定の結果。
// Missingには未入力の項目パスが定義順で入る（例: "valueProposition.uniqueValue"）。
type Result struct {
	Step     int
	Complete bool
	Missing  []string
}

// Validator はステップ完了判定器。
// 状態を持たない純粋な判定のみを行うため、並行利用できる。
type Validator struct {
	marketPolicy MarketPolicy
}

// NewValidator は指定ポリシーのValidatorを生成する。
func NewValidator(policy MarketPolicy) *Validator {
	return &Validator{marketPolicy: policy}
}

var defaultValidator = NewValidator(MarketPolicyAllListed)

// IsStepComplete はデフォルトポリシーでステップの完了を判定する。
func IsStepComplete(step int, data model.WorkshopData) bool {
	return defaultValidator.IsStepComplete(step, data)
}

// Check はデフォルトポリシーでステップを判定し、未入力項目を返す。
func Check(step int, data model.WorkshopData) Result {
	return defaultValidator.Check(step, data)
}

// MarketPolicy は設定されたステップ8のポリシーを返す。
func (v *Validator) MarketPolicy() MarketPolicy {
	return v.marketPolicy
}

// IsStepComplete はステップの必須項目が全て入力済みかを返す。
func (v *Validator) IsStepComplete(step int, data model.WorkshopData) bool {
	return v.Check(step, data).Complete
}

// Check はステップを判定し、未入力項目の一覧を返す。
// ステップ0（イントロ）は常に完了扱い、範囲外のステップは常に未完了とする。
func (v *Validator) Check(step int, data model.WorkshopData) Result {
	res := Result{Step: step}

	if step < model.MinStep || step > model.LastStep {
		res.Missing = []string{"step"}
		return res
	}

	rule, ok := rules[step]
	if !ok {
		res.Complete = true
		return res
	}

	res.Missing = rule(v, data)
	res.Complete = len(res.Missing) == 0
	return res
}
