// Package dedupe は二重作成されたワークショップセッションを検出・削除するジョブを提供する。
// 「新しいワークショップ」操作が短時間に2回発火すると、同じユーザーのセッションが
// 数秒差で作成される。通常のリクエスト経路では防がず、このジョブで事後に整理する。
package dedupe

import (
	"sort"
	"time"

	"github.com/hitoshi/workshopwizard/internal/model"
)

// DefaultWindow は同一グループとみなす作成時刻の差の上限。
const DefaultWindow = 5 * time.Second

// Group は重複とみなされたセッションの集まり。
// Keepは作成時刻が最も新しいセッション、Deleteはそれ以外（新しい順）。
type Group struct {
	UserID string
	Keep   model.SessionRef
	Delete []model.SessionRef
}

// FindDuplicates はrefsから重複グループを検出する。
// 所有者ごとに作成時刻の降順（同時刻はセッションIDの降順）に並べ、
// 直前のセッションとの作成時刻の差がwindow未満のものを同じグループにまとめる。
// 要素数1のグループは返さない。refsは変更しない。
func FindDuplicates(refs []model.SessionRef, window time.Duration) []Group {
	byUser := make(map[string][]model.SessionRef)
	var users []string
	for _, r := range refs {
		if _, ok := byUser[r.UserID]; !ok {
			users = append(users, r.UserID)
		}
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	sort.Strings(users)

	var groups []Group
	for _, userID := range users {
		sessions := byUser[userID]
		sort.Slice(sessions, func(i, j int) bool {
			if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
				return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
			}
			return sessions[i].SessionID > sessions[j].SessionID
		})

		cluster := []model.SessionRef{sessions[0]}
		for _, s := range sessions[1:] {
			prev := cluster[len(cluster)-1]
			if prev.CreatedAt.Sub(s.CreatedAt) < window {
				cluster = append(cluster, s)
				continue
			}
			groups = appendGroup(groups, userID, cluster)
			cluster = []model.SessionRef{s}
		}
		groups = appendGroup(groups, userID, cluster)
	}

	return groups
}

func appendGroup(groups []Group, userID string, cluster []model.SessionRef) []Group {
	if len(cluster) < 2 {
		return groups
	}
	return append(groups, Group{
		UserID: userID,
		Keep:   cluster[0],
		Delete: append([]model.SessionRef(nil), cluster[1:]...),
	})
}

// IDsToDelete はグループから削除対象のセッション参照を平坦化して返す。
func IDsToDelete(groups []Group) []model.SessionRef {
	var out []model.SessionRef
	for _, g := range groups {
		out = append(out, g.Delete...)
	}
	return out
}
