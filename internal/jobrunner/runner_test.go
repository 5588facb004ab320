package jobrunner

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kvsd/internal/backup"
	"kvsd/internal/notify"
	"kvsd/internal/store"
	"kvsd/internal/subscriptions"
)

func newRunner(t *testing.T) *Runner {
	t.Helper()
	s := store.New()
	reg := subscriptions.New()
	logger := zap.NewNop()
	return &Runner{
		Store:    s,
		Backup:   backup.New(s, 1, logger, nil),
		Notify:   notify.New(reg, logger, nil),
		Registry: reg,
		Logger:   logger,
		Sleep:    func(ms uint64) {},
	}
}

// TestSingleJobBasic exercises a basic write/read/delete/read job script.
// DELETE only emits a KVSMISSING line when at least one of its keys was
// absent at delete time, and here b is present (just written) when DELETE
// runs, so that step emits nothing; WRITE emits nothing; READ [a,b] emits
// the sorted pair line; and the final READ [b] reports b as KVSERROR
// because it was just deleted.
func TestSingleJobBasic(t *testing.T) {
	r := newRunner(t)
	in := strings.NewReader("WRITE [(a,1)(b,2)]\nREAD [a,b]\nDELETE [b]\nREAD [b]\n")
	var out strings.Builder

	err := r.Run(in, &out, "job1", func(n int) string { return "" })
	require.NoError(t, err)
	require.Equal(t, "[(a,1)(b,2)]\n[(b,KVSERROR)]\n", out.String())
}

func TestDeleteEmitsMissingListOnlyWhenAKeyIsAbsent(t *testing.T) {
	r := newRunner(t)
	in := strings.NewReader("WRITE [(a,1)]\nDELETE [a,ghost]\n")
	var out strings.Builder

	err := r.Run(in, &out, "job2", func(n int) string { return "" })
	require.NoError(t, err)
	require.Equal(t, "[(ghost,KVSMISSING)]\n", out.String())
	require.False(t, r.Store.Exists("a"))
}

func TestShowEmitsBucketOrderPairs(t *testing.T) {
	r := newRunner(t)
	in := strings.NewReader("WRITE [(a,1)(z,9)]\nSHOW\n")
	var out strings.Builder

	err := r.Run(in, &out, "job3", func(n int) string { return "" })
	require.NoError(t, err)
	require.Contains(t, out.String(), "(a, 1)\n")
	require.Contains(t, out.String(), "(z, 9)\n")
	require.Less(t, strings.Index(out.String(), "(a, 1)"), strings.Index(out.String(), "(z, 9)"))
}

func TestWaitEmitsLiteralContractLine(t *testing.T) {
	r := newRunner(t)
	var slept uint64
	r.Sleep = func(ms uint64) { slept = ms }

	in := strings.NewReader("WAIT 5\n")
	var out strings.Builder

	err := r.Run(in, &out, "job4", func(n int) string { return "" })
	require.NoError(t, err)
	require.Equal(t, "Waiting...\n", out.String())
	require.Equal(t, uint64(5), slept)
}

func TestHelpEmitsVerbatimOriginalText(t *testing.T) {
	r := newRunner(t)
	in := strings.NewReader("HELP\n")
	var out strings.Builder

	err := r.Run(in, &out, "job5", func(n int) string { return "" })
	require.NoError(t, err)
	require.Equal(t, helpText, out.String())
}

// TestBackupConsistencyScenarioThree: a job writes (a,1), backs up, then
// writes (a,2); the backup file must contain exactly the pre-second-write
// state, and the per-job backup counter names the file <basename>-1.bck.
func TestBackupConsistencyScenarioThree(t *testing.T) {
	r := newRunner(t)
	dir := t.TempDir()

	in := strings.NewReader("WRITE [(a,1)]\nBACKUP\nWRITE [(a,2)]\n")
	var out strings.Builder

	var gotPath string
	err := r.Run(in, &out, "job6", func(n int) string {
		gotPath = filepath.Join(dir, "job6-"+strconv.Itoa(n)+".bck")
		return gotPath
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "job6-1.bck"), gotPath)

	data, err := os.ReadFile(gotPath)
	require.NoError(t, err)
	require.Equal(t, "(a, 1)\n", string(data))
}

type fakeBroadcaster struct {
	events []any
}

func (f *fakeBroadcaster) Broadcast(event any) {
	f.events = append(f.events, event)
}

// TestAdminBroadcastFiresOnWriteDeleteAndBackup: a nil Admin is a no-op, and a
// set one observes one event per WRITE, DELETE and BACKUP command.
func TestAdminBroadcastFiresOnWriteDeleteAndBackup(t *testing.T) {
	r := newRunner(t)
	admin := &fakeBroadcaster{}
	r.Admin = admin

	in := strings.NewReader("WRITE [(a,1)]\nDELETE [a]\nWRITE [(a,2)]\nBACKUP\n")
	var out strings.Builder

	dest := filepath.Join(t.TempDir(), "job7-1.bck")
	err := r.Run(in, &out, "job7", func(n int) string { return dest })
	require.NoError(t, err)

	require.Len(t, admin.events, 4)
	require.Equal(t, adminEvent{Type: "write", Keys: []string{"a"}}, admin.events[0])
	require.Equal(t, adminEvent{Type: "delete", Keys: []string{"a"}}, admin.events[1])
	require.Equal(t, adminEvent{Type: "write", Keys: []string{"a"}}, admin.events[2])
	require.Equal(t, adminEvent{Type: "backup", Path: dest}, admin.events[3])
}
