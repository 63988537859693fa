package logistics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/metasmith/internal/relay"
)

// transferPair is one queued (src, dest) request.
type transferPair struct {
	src, dest Source
}

// Logistics queues transfer requests and executes them in one batched pass,
// grouping each transport's work by endpoint pair so a handful of expensive
// remote transfers run in the background while cheap local copies proceed
// on the calling goroutine.
type Logistics struct {
	log   *slog.Logger
	queue []transferPair
}

// New returns an empty Logistics dispatcher.
func New(log *slog.Logger) *Logistics {
	if log == nil {
		log = slog.Default()
	}
	return &Logistics{log: log}
}

// QueueTransfer validates src/dest against the transport rules and enqueues
// the pair. No transfer is attempted until ExecuteTransfers runs.
func (l *Logistics) QueueTransfer(src, dest Source) error {
	if dest.Transport == HTTP {
		return fmt.Errorf("logistics: http may not be a destination")
	}
	if src.Transport.isRemote() && dest.Transport.isRemote() {
		return fmt.Errorf("logistics: at most one side of a transfer may use a remote transport")
	}
	if src.Transport == Symlink && src.Transport.isRemote() {
		return fmt.Errorf("logistics: symlink transport is local-only")
	}
	if dest.Transport == Symlink && dest.Transport.isRemote() {
		return fmt.Errorf("logistics: symlink transport is local-only")
	}
	l.queue = append(l.queue, transferPair{src: src, dest: dest})
	return nil
}

// RemoveTransfer removes the first queued pair matching src/dest exactly.
func (l *Logistics) RemoveTransfer(src, dest Source) bool {
	for i, p := range l.queue {
		if p.src == src && p.dest == dest {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Result is the outcome of one ExecuteTransfers call: the pairs that
// completed and any per-transfer errors. A failed individual transfer never
// aborts the batch.
type Result struct {
	Completed []TransferOutcome
	Errors    []string
}

// TransferOutcome records one completed (or attempted) transfer.
type TransferOutcome struct {
	Src, Dest Source
}

// ExecuteTransfers runs every queued transfer, grouped by transport.
// LOCAL_BATCH work is submitted to the grid-transfer CLI first and joined
// last: submission returns as soon as each batch has a task id, so the
// RemoteShell/HTTP/DIRECT groups run on the calling goroutine while the
// submitted batches poll to completion in the background, matching the
// system's batching rationale of overlapping cheap local work with bulk
// background transfers instead of serializing after them.
func (l *Logistics) ExecuteTransfers(ctx context.Context, label string) Result {
	l.log.Info("starting transfers", "count", len(l.queue))

	var result Result
	byTransport := map[Transport][]transferPair{}
	for _, p := range l.queue {
		key := p.src.Transport
		if key == Direct || key == Symlink {
			if p.dest.Transport.isRemote() {
				key = p.dest.Transport
			} else {
				key = Direct
			}
		}
		byTransport[key] = append(byTransport[key], p)
	}
	l.queue = nil

	var pending *pendingLocalBatch
	if pairs := byTransport[LocalBatch]; len(pairs) > 0 {
		var errs []string
		pending, errs = l.submitLocalBatch(ctx, pairs, label)
		result.Errors = append(result.Errors, errs...)
	}

	for _, transport := range []Transport{RemoteShell, HTTP, Direct} {
		pairs := byTransport[transport]
		if len(pairs) == 0 {
			continue
		}
		var completed []TransferOutcome
		var errs []string
		switch transport {
		case RemoteShell:
			completed, errs = l.runRemoteShell(ctx, pairs)
		case HTTP:
			completed, errs = l.runHTTP(ctx, pairs)
		default:
			completed, errs = l.runLocal(pairs)
		}
		result.Completed = append(result.Completed, completed...)
		result.Errors = append(result.Errors, errs...)
	}

	if pending != nil {
		completed, errs := l.joinLocalBatch(ctx, pending)
		result.Completed = append(result.Completed, completed...)
		result.Errors = append(result.Errors, errs...)
	}

	l.log.Info("finished transfers", "completed", len(result.Completed), "errors", len(result.Errors))
	return result
}

// runLocal performs DIRECT/SYMLINK transfers by copy or symlink, replacing
// any conflicting existing destination.
func (l *Logistics) runLocal(pairs []transferPair) ([]TransferOutcome, []string) {
	var completed []TransferOutcome
	var errs []string
	for _, p := range pairs {
		if err := os.MkdirAll(filepath.Dir(p.dest.Address), 0755); err != nil {
			errs = append(errs, fmt.Sprintf("local transfer error: %v", err))
			continue
		}
		if info, statErr := os.Lstat(p.dest.Address); statErr == nil {
			isSymlink := info.Mode()&os.ModeSymlink != 0
			if isSymlink != (p.dest.Transport == Symlink) {
				if err := os.Remove(p.dest.Address); err != nil {
					errs = append(errs, fmt.Sprintf("local transfer error: %v", err))
					continue
				}
			} else {
				completed = append(completed, TransferOutcome{Src: p.src, Dest: p.dest})
				continue
			}
		}
		var err error
		if p.dest.Transport == Symlink {
			err = os.Symlink(p.src.Address, p.dest.Address)
		} else {
			err = copyFile(p.src.Address, p.dest.Address)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("local transfer error: %v", err))
			continue
		}
		completed = append(completed, TransferOutcome{Src: p.src, Dest: p.dest})
	}
	return completed, errs
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	buf := make([]byte, 1<<20)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// pendingLocalBatchEntry is one endpoint-pair batch already submitted to
// the grid-transfer CLI, awaiting join.
type pendingLocalBatchEntry struct {
	taskID string
	batch  []transferPair
}

// pendingLocalBatch is the in-flight state submitLocalBatch hands to
// joinLocalBatch: the shell the batches were submitted on and the scratch
// directory holding their manifests, both kept alive until join tears them
// down.
type pendingLocalBatch struct {
	shell   *relay.LiveShell
	scratch string
	entries []pendingLocalBatchEntry
}

// submitLocalBatch submits one batch per endpoint pair to the grid-transfer
// CLI and returns immediately with each batch's task id, without waiting
// for any of them to leave the ACTIVE state — joinLocalBatch does that.
func (l *Logistics) submitLocalBatch(ctx context.Context, pairs []transferPair, label string) (*pendingLocalBatch, []string) {
	var errs []string

	batches := map[string][]transferPair{}
	for _, p := range pairs {
		key := endpointPair(p.src) + "->" + endpointPair(p.dest)
		batches[key] = append(batches[key], p)
	}

	keys := make([]string, 0, len(batches))
	for k := range batches {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	shell, err := relay.NewLiveShell()
	if err != nil {
		return nil, []string{fmt.Sprintf("local_batch error: %v", err)}
	}

	scratch := filepath.Join(os.TempDir(), fmt.Sprintf("metasmith-batch-%s", uuid.NewString()))
	if err := os.MkdirAll(scratch, 0755); err != nil {
		shell.Dispose()
		return nil, []string{fmt.Sprintf("local_batch error: %v", err)}
	}

	pending := &pendingLocalBatch{shell: shell, scratch: scratch}

	for _, key := range keys {
		batch := batches[key]
		manifest := filepath.Join(scratch, strings.ReplaceAll(key, "/", "_"))
		var lines []string
		for _, p := range batch {
			lines = append(lines, fmt.Sprintf("%q %q", p.src.Address, p.dest.Address))
		}
		if err := os.WriteFile(manifest, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
			errs = append(errs, fmt.Sprintf("local_batch error: %v", err))
			continue
		}

		parts := strings.SplitN(key, "->", 2)
		cmd := fmt.Sprintf("transfer %s %s --batch %s --sync-level checksum", parts[0], parts[1], manifest)
		if label != "" {
			cmd += " --label " + label
		}
		res, err := shell.Exec(ctx, cmd, 2*time.Minute, true)
		if err != nil {
			errs = append(errs, fmt.Sprintf("local_batch submit error: %v", err))
			continue
		}
		for _, line := range res.Err {
			errs = append(errs, fmt.Sprintf("local_batch std_err: %s", line))
		}

		var taskID string
		for _, line := range res.Out {
			if strings.HasPrefix(line, "Task ID: ") {
				taskID = strings.TrimPrefix(line, "Task ID: ")
				break
			}
		}
		if taskID == "" {
			errs = append(errs, "local_batch transfer failed to submit")
			continue
		}
		pending.entries = append(pending.entries, pendingLocalBatchEntry{taskID: taskID, batch: batch})
	}

	return pending, errs
}

// joinLocalBatch polls every batch submitLocalBatch submitted until each
// leaves the ACTIVE state, then disposes the shell and scratch directory
// submitLocalBatch allocated.
func (l *Logistics) joinLocalBatch(ctx context.Context, pending *pendingLocalBatch) ([]TransferOutcome, []string) {
	defer pending.shell.Dispose()
	defer os.RemoveAll(pending.scratch)

	var completed []TransferOutcome
	var errs []string

	for _, entry := range pending.entries {
		canceled := false
	poll:
		for {
			select {
			case <-ctx.Done():
				pending.shell.ExecAsync("transfer task cancel " + entry.taskID)
				errs = append(errs, "local_batch poll canceled")
				canceled = true
				break poll
			default:
			}
			res, err := pending.shell.Exec(ctx, fmt.Sprintf("transfer task show %s -F json", entry.taskID), 30*time.Second, true)
			if err != nil {
				errs = append(errs, fmt.Sprintf("local_batch poll error: %v", err))
				break poll
			}
			status := extractJSONField(strings.Join(res.Out, "\n"), "status")
			if status != "ACTIVE" {
				break poll
			}
			time.Sleep(time.Second)
		}
		if canceled {
			continue
		}
		for _, p := range entry.batch {
			completed = append(completed, TransferOutcome{Src: p.src, Dest: p.dest})
		}
	}
	return completed, errs
}

// extractJSONField does a minimal, dependency-free lookup of a top-level
// string field in a JSON blob returned by the grid-transfer CLI; a full
// unmarshal isn't worth it for a single status string.
func extractJSONField(blob, field string) string {
	marker := `"` + field + `": "`
	idx := strings.Index(blob, marker)
	if idx < 0 {
		return ""
	}
	rest := blob[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// runRemoteShell opens one shell per host pair, issues one rsync-like
// command per file, then verifies existence on the destination host.
func (l *Logistics) runRemoteShell(ctx context.Context, pairs []transferPair) ([]TransferOutcome, []string) {
	var completed []TransferOutcome
	var errs []string

	byHost := map[string][]transferPair{}
	for _, p := range pairs {
		host := endpointPair(p.src)
		if p.src.Transport != RemoteShell {
			host = endpointPair(p.dest)
		}
		byHost[host] = append(byHost[host], p)
	}

	hosts := make([]string, 0, len(byHost))
	for h := range byHost {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	for _, host := range hosts {
		batch := byHost[host]
		shell, err := relay.NewLiveShell()
		if err != nil {
			errs = append(errs, fmt.Sprintf("remote_shell error connecting to %s: %v", host, err))
			continue
		}

		for _, p := range batch {
			cmd := fmt.Sprintf("rsync -a %s %s", shellQuoteRsyncAddr(p.src), shellQuoteRsyncAddr(p.dest))
			if err := shell.ExecAsync(cmd); err != nil {
				errs = append(errs, fmt.Sprintf("remote_shell error: %v", err))
				continue
			}
		}
		if err := shell.AwaitDone(ctx, 2*time.Minute); err != nil {
			errs = append(errs, fmt.Sprintf("remote_shell error awaiting %s: %v", host, err))
			shell.Dispose()
			continue
		}

		for _, p := range batch {
			destPath := remoteVerifyPath(p.dest)
			res, err := shell.Exec(ctx, fmt.Sprintf("test -e %q && echo exists || echo missing", destPath), 30*time.Second, true)
			if err != nil {
				errs = append(errs, fmt.Sprintf("remote_shell verify error: %v", err))
				continue
			}
			if len(res.Out) == 0 || !strings.Contains(res.Out[len(res.Out)-1], "exists") {
				errs = append(errs, fmt.Sprintf("remote_shell transfer not verified: %s", destPath))
				continue
			}
			completed = append(completed, TransferOutcome{Src: p.src, Dest: p.dest})
		}
		shell.Dispose()
	}
	return completed, errs
}

// shellQuoteRsyncAddr renders a Source as an rsync address: "host:path" for
// a RemoteShell side (rsync's own remote-shell syntax), a quoted local path
// otherwise.
func shellQuoteRsyncAddr(s Source) string {
	if s.Transport == RemoteShell {
		return s.Address
	}
	return fmt.Sprintf("%q", s.Address)
}

// remoteVerifyPath returns the filesystem path to check for existence once
// a transfer lands: the local side of the pair, since a RemoteShell address
// only makes sense to the remote host's own shell.
func remoteVerifyPath(s Source) string {
	if s.Transport == RemoteShell {
		if i := strings.Index(s.Address, ":"); i >= 0 {
			return s.Address[i+1:]
		}
	}
	return s.Address
}

// httpClient has no timeout of its own; Range-resume requests carry their
// own deadline via the request context.
var httpClient = &http.Client{}

// runHTTP downloads each pair's source URL to its local destination,
// resuming from the destination's current size with a Range header when a
// partial file is already present.
func (l *Logistics) runHTTP(ctx context.Context, pairs []transferPair) ([]TransferOutcome, []string) {
	var completed []TransferOutcome
	var errs []string

	for _, p := range pairs {
		if err := os.MkdirAll(filepath.Dir(p.dest.Address), 0755); err != nil {
			errs = append(errs, fmt.Sprintf("http error: %v", err))
			continue
		}
		if err := httpDownloadResumable(ctx, p.src.Address, p.dest.Address); err != nil {
			errs = append(errs, fmt.Sprintf("http error: %v", err))
			continue
		}
		completed = append(completed, TransferOutcome{Src: p.src, Dest: p.dest})
	}
	return completed, errs
}

func httpDownloadResumable(ctx context.Context, url, dest string) error {
	var offset int64
	if info, err := os.Stat(dest); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	res, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if res.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected status %s fetching %s", res.Status, url)
	}

	out, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, res.Body)
	return err
}
