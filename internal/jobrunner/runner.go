// Package jobrunner implements the job runner: it consumes a parsed command
// stream and drives the Store, Backup Engine and Notification Fan-out,
// emitting the pinned output formats for each command, one .job file at a
// time.
package jobrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"kvsd/internal/backup"
	"kvsd/internal/jobfile"
	"kvsd/internal/notify"
	"kvsd/internal/store"
	"kvsd/internal/subscriptions"
)

// helpText is the verbatim HELP command output.
const helpText = "Available commands:\n" +
	"  WRITE [(key,value)(key2,value2),...]\n" +
	"  READ [key,key2,...]\n" +
	"  DELETE [key,key2,...]\n" +
	"  SHOW\n" +
	"  WAIT <delay_ms>\n" +
	"  BACKUP\n" +
	"  HELP\n"

// Metrics is the narrow slice of the metrics registry the runner needs.
type Metrics interface {
	CommandWrite()
	CommandRead()
	CommandDelete()
	CommandBackup()
	JobProcessed()
	JobFailed()
}

// Sleeper abstracts time.Sleep so tests can run WAIT without actually
// blocking for real wall-clock time.
type Sleeper func(ms uint64)

// AdminBroadcaster is the narrow view of adminapi.Server the runner needs to
// push command events onto the /admin/stream live feed. Nil disables it.
type AdminBroadcaster interface {
	Broadcast(event any)
}

// Runner ties together the components a single .job file needs.
type Runner struct {
	Store    *store.Store
	Backup   *backup.Engine
	Notify   *notify.Fanout
	Registry *subscriptions.Registry
	Logger   *zap.Logger
	Metrics  Metrics
	Sleep    Sleeper
	Admin    AdminBroadcaster
}

// adminEvent is the JSON shape pushed to /admin/stream listeners.
type adminEvent struct {
	Type string   `json:"type"`
	Keys []string `json:"keys,omitempty"`
	Path string   `json:"path,omitempty"`
}

func (r *Runner) broadcast(event adminEvent) {
	if r.Admin != nil {
		r.Admin.Broadcast(event)
	}
}

// Run executes every command in in until EOC or a read error, writing
// formatted output to out. basename names the job file without its
// extension, used to derive backup file names. backupPath(n) must return the
// destination path for the n-th backup this job takes.
func (r *Runner) Run(in io.Reader, out io.Writer, basename string, backupPath func(n int) string) error {
	scanner := jobfile.NewScanner(in)
	w := bufio.NewWriter(out)
	defer w.Flush()

	fileBackups := 0

	for {
		cmd := scanner.Next()
		switch cmd.Kind {
		case jobfile.KindEOC:
			return nil

		case jobfile.KindEmpty:
			continue

		case jobfile.KindWrite:
			r.runWrite(cmd, w)

		case jobfile.KindRead:
			r.runRead(cmd, w)

		case jobfile.KindDelete:
			r.runDelete(cmd, w)

		case jobfile.KindShow:
			r.runShow(w)

		case jobfile.KindWait:
			r.runWait(cmd, w)

		case jobfile.KindBackup:
			fileBackups++
			r.runBackup(backupPath(fileBackups))

		case jobfile.KindHelp:
			io.WriteString(w, helpText)

		case jobfile.KindInvalid:
			r.Logger.Warn("jobrunner: invalid command", zap.String("line", cmd.Raw))

		default:
			r.Logger.Warn("jobrunner: unhandled command kind", zap.Int("kind", int(cmd.Kind)))
		}
	}
}

func (r *Runner) runWrite(cmd jobfile.Command, w io.Writer) {
	if err := r.Store.Write(cmd.Pairs); err != nil {
		r.Logger.Error("jobrunner: write failed", zap.Error(err))
		return
	}
	if r.Metrics != nil {
		r.Metrics.CommandWrite()
	}
	keys := make([]string, len(cmd.Pairs))
	for i, p := range cmd.Pairs {
		r.Notify.Written(p.Key, p.Value)
		keys[i] = p.Key
	}
	r.broadcast(adminEvent{Type: "write", Keys: keys})
}

// runRead emits "[(k,v)(k,KVSERROR)...]\n" in sorted-key order.
func (r *Runner) runRead(cmd jobfile.Command, w io.Writer) {
	results, err := r.Store.Read(cmd.Keys)
	if err != nil {
		r.Logger.Error("jobrunner: read failed", zap.Error(err))
		return
	}
	if r.Metrics != nil {
		r.Metrics.CommandRead()
	}

	var b strings.Builder
	b.WriteByte('[')
	for _, res := range results {
		if res.Missing {
			fmt.Fprintf(&b, "(%s,KVSERROR)", res.Key)
		} else {
			fmt.Fprintf(&b, "(%s,%s)", res.Key, res.Value)
		}
	}
	b.WriteString("]\n")
	io.WriteString(w, b.String())
}

// runDelete deletes every present key, fans out a DELETED notification for
// each, drops its own subscriber list via Registry.RemoveKey, and emits the
// missing-key list only when at least one key had no entry. Keys that were
// never present are not notified.
func (r *Runner) runDelete(cmd jobfile.Command, w io.Writer) {
	deleted, missing, err := r.Store.Delete(cmd.Keys)
	if err != nil {
		r.Logger.Error("jobrunner: delete failed", zap.Error(err))
		return
	}
	if r.Metrics != nil {
		r.Metrics.CommandDelete()
	}

	sort.Strings(deleted)
	for _, k := range deleted {
		r.Notify.Deleted(k)
		r.Registry.RemoveKey(k)
	}
	if len(deleted) > 0 {
		r.broadcast(adminEvent{Type: "delete", Keys: deleted})
	}

	if len(missing) == 0 {
		return
	}
	sort.Strings(missing)
	var b strings.Builder
	b.WriteByte('[')
	for _, k := range missing {
		fmt.Fprintf(&b, "(%s,KVSMISSING)", k)
	}
	b.WriteString("]\n")
	io.WriteString(w, b.String())
}

func (r *Runner) runShow(w io.Writer) {
	r.Store.Show(func(key, value string) {
		fmt.Fprintf(w, "(%s, %s)\n", key, value)
	})
}

// runWait emits the pinned "Waiting...\n" line, then sleeps. The richer
// "waiting N ms" detail goes to the structured logger instead of the job
// output, since it would otherwise break the pinned .out format.
func (r *Runner) runWait(cmd jobfile.Command, w io.Writer) {
	io.WriteString(w, "Waiting...\n")
	if cmd.WaitMS == 0 {
		return
	}
	r.Logger.Info("jobrunner: waiting", zap.Uint64("wait_ms", cmd.WaitMS))
	r.Sleep(cmd.WaitMS)
}

func (r *Runner) runBackup(destPath string) {
	ctx := context.Background()
	if err := r.Backup.Acquire(ctx); err != nil {
		r.Logger.Error("jobrunner: backup slot acquire failed", zap.Error(err))
		return
	}
	defer r.Backup.Release()

	if err := r.Backup.Backup(destPath); err != nil {
		r.Logger.Error("jobrunner: backup failed", zap.String("path", destPath), zap.Error(err))
		return
	}
	if r.Metrics != nil {
		r.Metrics.CommandBackup()
	}
	r.broadcast(adminEvent{Type: "backup", Path: destPath})
}
