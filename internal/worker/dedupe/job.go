package dedupe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/workshopwizard/internal/model"
)

// SessionSource は全ユーザーのセッション参照の取得元。
type SessionSource interface {
	ListAllSessionRefs(ctx context.Context) ([]model.SessionRef, error)
}

// SessionDeleter はセッションを1件ずつ削除する。
type SessionDeleter interface {
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// Confirmer は破壊的な削除の前にユーザーへ確認する。
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// DeletionObserver は削除結果の通知先。メトリクス収集に使用する。
type DeletionObserver interface {
	ObserveDedupeDeletion(err error)
}

// Report はジョブの実行結果。
type Report struct {
	Scanned  int
	Groups   []Group
	Deleted  []model.SessionRef
	Failed   []Failure
	Aborted  bool
	Duration time.Duration
}

// Failure は削除に失敗したセッションとその原因。
type Failure struct {
	Session model.SessionRef
	Err     error
}

// Job は重複セッションの検出と削除を行うバッチジョブ。
// 削除は1件ずつ行い、失敗しても残りの削除を続ける。
type Job struct {
	source    SessionSource
	deleter   SessionDeleter
	confirmer Confirmer
	out       io.Writer
	logger    *slog.Logger
	observer  DeletionObserver

	Window time.Duration // 同一グループとみなす作成時刻の差（デフォルト: 5秒）
	DryRun bool          // trueの場合は検出結果の表示のみ行う
}

// NewJob は新しいJobを生成する。
// confirmerがnilの場合は確認なしで削除する（--yes相当）。
func NewJob(source SessionSource, deleter SessionDeleter, confirmer Confirmer, out io.Writer, logger *slog.Logger) *Job {
	return &Job{
		source:    source,
		deleter:   deleter,
		confirmer: confirmer,
		out:       out,
		logger:    logger,
		Window:    DefaultWindow,
	}
}

// SetObserver は削除結果の通知先を設定する。
func (j *Job) SetObserver(o DeletionObserver) {
	j.observer = o
}

// Run は全セッションを走査して重複グループを表示し、確認後に削除する。
// 確認で中止された場合や確認を読み取れない場合はReport.Abortedをtrueにしてエラーなしで返る。
// 個々の削除失敗はReport.Failedに記録し、エラーとしては返さない。
func (j *Job) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	refs, err := j.source.ListAllSessionRefs(ctx)
	if err != nil {
		j.logger.Error("セッション一覧の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("セッション一覧の取得に失敗: %w", err)
	}

	report := &Report{
		Scanned: len(refs),
		Groups:  FindDuplicates(refs, j.Window),
	}

	targets := IDsToDelete(report.Groups)
	j.printGroups(report.Groups, len(targets))

	if len(targets) == 0 || j.DryRun {
		report.Duration = time.Since(start)
		j.logger.Info("重複セッションの検出が完了しました",
			slog.Int("scanned", report.Scanned),
			slog.Int("groups", len(report.Groups)),
			slog.Bool("dry_run", j.DryRun),
		)
		return report, nil
	}

	if j.confirmer != nil {
		ok, err := j.confirmer.Confirm(fmt.Sprintf("Delete %d duplicate session(s)?", len(targets)))
		if err != nil {
			// 確認を読み取れない場合は削除せずに中止として扱う
			j.logger.Warn("確認の読み取りに失敗したため削除を中止します",
				slog.String("error", err.Error()),
			)
			ok = false
		}
		if !ok {
			fmt.Fprintln(j.out, "Aborted. No sessions were deleted.")
			j.logger.Info("重複セッションの削除を中止しました",
				slog.Int("candidates", len(targets)),
			)
			report.Aborted = true
			report.Duration = time.Since(start)
			return report, nil
		}
	}

	for _, ref := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		err := j.deleter.DeleteSession(ctx, ref.UserID, ref.SessionID)
		if j.observer != nil {
			j.observer.ObserveDedupeDeletion(err)
		}
		if err != nil {
			j.logger.Error("重複セッションの削除に失敗しました",
				slog.String("user_id", ref.UserID),
				slog.String("session_id", ref.SessionID),
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(j.out, "  FAILED  %s (%v)\n", ref.SessionID, err)
			report.Failed = append(report.Failed, Failure{Session: ref, Err: err})
			continue
		}

		fmt.Fprintf(j.out, "  deleted %s\n", ref.SessionID)
		report.Deleted = append(report.Deleted, ref)
	}

	report.Duration = time.Since(start)
	fmt.Fprintf(j.out, "Done: %d deleted, %d failed.\n", len(report.Deleted), len(report.Failed))
	j.logger.Info("重複セッションの削除が完了しました",
		slog.Int("scanned", report.Scanned),
		slog.Int("deleted", len(report.Deleted)),
		slog.Int("failed", len(report.Failed)),
		slog.Float64("duration_ms", float64(report.Duration.Milliseconds())),
	)

	return report, nil
}

func (j *Job) printGroups(groups []Group, targets int) {
	if len(groups) == 0 {
		fmt.Fprintln(j.out, "No duplicate sessions found.")
		return
	}

	fmt.Fprintf(j.out, "Found %d duplicate group(s), %d session(s) to delete:\n", len(groups), targets)
	for _, g := range groups {
		fmt.Fprintf(j.out, "user %s\n", g.UserID)
		fmt.Fprintf(j.out, "  keep    %s  %s  %q\n", g.Keep.SessionID, g.Keep.CreatedAt.Format(time.RFC3339Nano), g.Keep.Name)
		for _, d := range g.Delete {
			fmt.Fprintf(j.out, "  delete  %s  %s  %q\n", d.SessionID, d.CreatedAt.Format(time.RFC3339Nano), d.Name)
		}
	}
}

// PromptConfirmer は標準入力などからyes/noを読み取る。
type PromptConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPromptConfirmer は新しいPromptConfirmerを生成する。
func NewPromptConfirmer(in io.Reader, out io.Writer) *PromptConfirmer {
	return &PromptConfirmer{in: bufio.NewReader(in), out: out}
}

// Confirm はpromptを表示し、"y"または"yes"が入力された場合のみtrueを返す。
// 入力が閉じられた場合はfalseを返す。
func (c *PromptConfirmer) Confirm(prompt string) (bool, error) {
	fmt.Fprintf(c.out, "%s [yes/no]: ", prompt)

	line, err := c.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
