package steps

import (
	"fmt"
	"strings"

	"github.com/hitoshi/workshopwizard/internal/model"
)

// rule は1ステップ分の必須項目チェック。未入力項目のパスを返す。
type rule func(v *Validator, d model.WorkshopData) []string

// rules はステップ番号ごとの必須項目定義。
var rules = map[int]rule{
	// 1: ビッグアイデア
	1: func(_ *Validator, d model.WorkshopData) []string {
		var missing []string
		missing = requireText(missing, "bigIdea.description", d.BigIdea.Description)
		missing = requireText(missing, "bigIdea.targetCustomers", d.BigIdea.TargetCustomers)
		return missing
	},
	// 2: 根本的な目標
	2: func(_ *Validator, d model.WorkshopData) []string {
		var missing []string
		missing = requireText(missing, "underlyingGoal.businessGoal", d.UnderlyingGoal.BusinessGoal)
		missing = requireText(missing, "underlyingGoal.constraints", d.UnderlyingGoal.Constraints)
		return missing
	},
	// 3: トリガーイベント（1件以上）
	3: func(_ *Validator, d model.WorkshopData) []string {
		for _, e := range d.TriggerEvents {
			if !isBlank(e.Description) {
				return nil
			}
		}
		return []string{"triggerEvents"}
	},
	// 4: ジョブ（記述済みのジョブを1件以上選択）
	4: func(_ *Validator, d model.WorkshopData) []string {
		for _, j := range d.Jobs {
			if j.Selected && !isBlank(j.Description) {
				return nil
			}
		}
		return []string{"jobs.selected"}
	},
	// 5: ターゲット購買者（記述済みの購買者を1件以上選択）
	5: func(_ *Validator, d model.WorkshopData) []string {
		for _, b := range d.TargetBuyers {
			if b.Selected && !isBlank(b.Description) {
				return nil
			}
		}
		return []string{"targetBuyers.selected"}
	},
	// 6: 痛み（選択済み購買者それぞれに1件以上）
	6: checkPains,
	// 7: 課題（1件以上選択）
	7: func(_ *Validator, d model.WorkshopData) []string {
		for _, p := range d.Problems {
			if p.Selected && !isBlank(p.Description) {
				return nil
			}
		}
		return []string{"problems.selected"}
	},
	// 8: 市場評価
	8: checkMarkets,
	// 9: 価値提案（4項目すべて）
	9: func(_ *Validator, d model.WorkshopData) []string {
		var missing []string
		vp := d.ValueProposition
		missing = requireText(missing, "valueProposition.uniqueValue", vp.UniqueValue)
		missing = requireText(missing, "valueProposition.painSolved", vp.PainSolved)
		missing = requireText(missing, "valueProposition.targetOutcome", vp.TargetOutcome)
		missing = requireText(missing, "valueProposition.differentiator", vp.Differentiator)
		return missing
	},
	// 10: 価格戦略
	10: func(_ *Validator, d model.WorkshopData) []string {
		return requireText(nil, "pricingStrategy", d.PricingStrategy)
	},
}

// checkPains は選択済みの各購買者に記述済みの痛みが1件以上あるかを判定する。
// 購買者が1人も選択されていない場合は、痛みが1件以上あれば完了とする。
func checkPains(_ *Validator, d model.WorkshopData) []string {
	described := make(map[string]bool)
	hasPain := false
	for _, p := range d.Pains {
		if isBlank(p.Description) {
			continue
		}
		hasPain = true
		described[p.BuyerID] = true
	}

	var missing []string
	selected := 0
	for _, b := range d.TargetBuyers {
		if !b.Selected {
			continue
		}
		selected++
		if !described[b.ID] {
			missing = append(missing, fmt.Sprintf("pains[%s]", b.ID))
		}
	}

	if selected == 0 && !hasPain {
		return []string{"pains"}
	}
	return missing
}

// checkMarkets はステップ8の判定を行う。
// MarketPolicyAllListedでは一覧上の全市場、MarketPolicySelectedOnlyでは選択市場のみ
// 5基準すべてが0より大きいことを要求する。どちらのポリシーでも1件以上の選択が必要。
func checkMarkets(v *Validator, d model.WorkshopData) []string {
	var missing []string
	selected := 0

	for _, m := range d.Markets {
		if m.Selected {
			selected++
		}
		if v.marketPolicy == MarketPolicySelectedOnly && !m.Selected {
			continue
		}
		for _, c := range m.Scores.Criteria() {
			if c.Score <= 0 {
				missing = append(missing, fmt.Sprintf("markets[%s].scores.%s", m.ID, c.Name))
			}
		}
	}

	if selected == 0 {
		missing = append(missing, "markets.selected")
	}
	return missing
}

func requireText(missing []string, path, value string) []string {
	if isBlank(value) {
		return append(missing, path)
	}
	return missing
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
