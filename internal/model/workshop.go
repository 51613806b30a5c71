// Package model はドメインモデルを定義する。
package model

import "time"

const (
	// MinStep はイントロ（未開始）を表すステップ番号。
	MinStep = 0
	// FirstStep は最初のアクティブステップ。
	FirstStep = 1
	// LastStep は最後のアクティブステップ。
	LastStep = 10
)

// WorkshopSession は1ユーザーによる10ステップのワークショップ1回分を表す。
type WorkshopSession struct {
	SessionID    string
	UserID       string
	Name         string
	CurrentStep  int
	WorkshopData WorkshopData
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone はセッションのディープコピーを返す。
// スナップショットとして呼び出し側に渡しても内部状態を共有しない。
func (s *WorkshopSession) Clone() *WorkshopSession {
	if s == nil {
		return nil
	}
	c := *s
	c.WorkshopData = s.WorkshopData.Clone()
	return &c
}

// SessionUpdate はUpdateSessionで書き込むフィールドの部分集合。
// nilのフィールドは更新しない。
type SessionUpdate struct {
	Name         *string
	CurrentStep  *int
	WorkshopData *WorkshopData
}

// SessionRef は重複セッション検出に必要な最小限の情報。
type SessionRef struct {
	SessionID string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// WorkshopData はステップごとの回答を保持するドキュメント。
// すべてのキーは省略可能で、欠落したキーは空値として扱う。
type WorkshopData struct {
	BigIdea          BigIdea                  `json:"bigIdea"`
	UnderlyingGoal   UnderlyingGoal           `json:"underlyingGoal"`
	TriggerEvents    []TriggerEvent           `json:"triggerEvents"`
	Jobs             []Job                    `json:"jobs"`
	TargetBuyers     []TargetBuyer            `json:"targetBuyers"`
	Pains            []Pain                   `json:"pains"`
	Problems         []Problem                `json:"problems"`
	Markets          []Market                 `json:"markets"`
	ValueProposition ValueProposition         `json:"valueProposition"`
	PricingStrategy  string                   `json:"pricingStrategy"`
	URLSummaries     []URLSummary             `json:"urlSummaries"`
	ChatHistory      map[string][]ChatMessage `json:"chatHistory"`
}

// BigIdea はステップ1の回答。
type BigIdea struct {
	Description     string `json:"description"`
	TargetCustomers string `json:"targetCustomers"`
}

// UnderlyingGoal はステップ2の回答。
type UnderlyingGoal struct {
	BusinessGoal string `json:"businessGoal"`
	Constraints  string `json:"constraints"`
}

// TriggerEvent はステップ3で列挙する購買のきっかけ。
type TriggerEvent struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Job はステップ4で列挙する顧客の「片付けたい用事」。
type Job struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Selected    bool   `json:"selected"`
}

// TargetBuyer はステップ5のターゲット購買者。
type TargetBuyer struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Selected    bool   `json:"selected"`
}

// Pain はステップ6で購買者ごとに挙げる痛み。
type Pain struct {
	ID          string `json:"id"`
	BuyerID     string `json:"buyerId"`
	Description string `json:"description"`
	Intensity   int    `json:"intensity"`
}

// Problem はステップ7で絞り込む解決すべき課題。
type Problem struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Selected    bool   `json:"selected"`
}

// Market はステップ8で評価する市場。
type Market struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Selected bool         `json:"selected"`
	Scores   MarketScores `json:"scores"`
}

// MarketScores は市場評価の5つの採点基準。0は未採点を表す。
type MarketScores struct {
	MarketSize       int `json:"marketSize"`
	Urgency          int `json:"urgency"`
	Accessibility    int `json:"accessibility"`
	WillingnessToPay int `json:"willingnessToPay"`
	CompetitiveGap   int `json:"competitiveGap"`
}

// Criteria は採点基準名とスコアの組を定義順に返す。
func (m MarketScores) Criteria() []MarketCriterion {
	return []MarketCriterion{
		{Name: "marketSize", Score: m.MarketSize},
		{Name: "urgency", Score: m.Urgency},
		{Name: "accessibility", Score: m.Accessibility},
		{Name: "willingnessToPay", Score: m.WillingnessToPay},
		{Name: "competitiveGap", Score: m.CompetitiveGap},
	}
}

// MarketCriterion は採点基準1件分。
type MarketCriterion struct {
	Name  string
	Score int
}

// ValueProposition はステップ9の価値提案。
type ValueProposition struct {
	UniqueValue    string `json:"uniqueValue"`
	PainSolved     string `json:"painSolved"`
	TargetOutcome  string `json:"targetOutcome"`
	Differentiator string `json:"differentiator"`
}

// URLSummary は要約プロキシで取得した参考URLの要約。
type URLSummary struct {
	URL       string    `json:"url"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatMessage はSparkyとの会話1件。
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" または "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewWorkshopData は全て空のWorkshopDataを返す。
func NewWorkshopData() WorkshopData {
	var d WorkshopData
	d.Normalize()
	return d
}

// Normalize はnilのスライス・マップを空の値に置き換える。
// JSONでnullではなく[]や{}として出力されるようにする。
func (d *WorkshopData) Normalize() {
	if d.TriggerEvents == nil {
		d.TriggerEvents = []TriggerEvent{}
	}
	if d.Jobs == nil {
		d.Jobs = []Job{}
	}
	if d.TargetBuyers == nil {
		d.TargetBuyers = []TargetBuyer{}
	}
	if d.Pains == nil {
		d.Pains = []Pain{}
	}
	if d.Problems == nil {
		d.Problems = []Problem{}
	}
	if d.Markets == nil {
		d.Markets = []Market{}
	}
	if d.URLSummaries == nil {
		d.URLSummaries = []URLSummary{}
	}
	if d.ChatHistory == nil {
		d.ChatHistory = map[string][]ChatMessage{}
	}
}

// Clone はWorkshopDataのディープコピーを返す。
func (d WorkshopData) Clone() WorkshopData {
	c := d
	c.TriggerEvents = append([]TriggerEvent(nil), d.TriggerEvents...)
	c.Jobs = append([]Job(nil), d.Jobs...)
	c.TargetBuyers = append([]TargetBuyer(nil), d.TargetBuyers...)
	c.Pains = append([]Pain(nil), d.Pains...)
	c.Problems = append([]Problem(nil), d.Problems...)
	c.Markets = append([]Market(nil), d.Markets...)
	c.URLSummaries = append([]URLSummary(nil), d.URLSummaries...)
	c.ChatHistory = make(map[string][]ChatMessage, len(d.ChatHistory))
	for k, v := range d.ChatHistory {
		c.ChatHistory[k] = append([]ChatMessage(nil), v...)
	}
	c.Normalize()
	return c
}
