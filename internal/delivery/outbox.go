package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/kaylistener/internal/timefmt"
)

const (
	audioExt = ".wav"
	metaExt  = ".json"

	// nameLayout sorts lexicographically in creation order.
	nameLayout = "20060102T150405.000000000"
)

// Meta is the JSON sidecar stored next to every spooled recording and sent as
// form fields on upload.
type Meta struct {
	DurationMS   int64  `json:"duration_ms"`
	WakeWord     string `json:"wake_word"`
	TimestampISO string `json:"timestamp_iso"`
}

// NewMeta builds a Meta for a recording captured at t.
func NewMeta(d time.Duration, wakeWord string, t time.Time) Meta {
	return Meta{
		DurationMS:   d.Milliseconds(),
		WakeWord:     wakeWord,
		TimestampISO: timefmt.ISO8601(t),
	}
}

// Job is one spooled recording.
type Job struct {
	Base      string
	AudioPath string
	MetaPath  string
	Meta      Meta
	Audio     []byte
}

// Outbox is the on-disk spool. Each job is a pair of sibling files
// {base}.wav and {base}.json; the sidecar is written only after the audio so a
// partially written job is never listed. Outbox has a single writer per
// directory.
type Outbox struct {
	dir string
	seq atomic.Uint64
	now func() time.Time
}

// OpenOutbox creates dir if needed and returns an Outbox rooted there.
func OpenOutbox(dir string) (*Outbox, error) {
	if dir == "" {
		return nil, errors.New("delivery: outbox dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("delivery: create outbox %q: %w", dir, err)
	}
	return &Outbox{dir: dir, now: time.Now}, nil
}

// Dir returns the spool directory.
func (o *Outbox) Dir() string { return o.dir }

func (o *Outbox) nextBase() string {
	n := o.seq.Add(1) % 1_000_000
	return fmt.Sprintf("job_%s_%06d", o.now().UTC().Format(nameLayout), n)
}

// Put writes a job and returns the path of its audio file.
func (o *Outbox) Put(audio []byte, meta Meta) (string, error) {
	base := o.nextBase()
	audioPath := filepath.Join(o.dir, base+audioExt)
	if err := writeFileAtomic(audioPath, audio); err != nil {
		return "", fmt.Errorf("delivery: write audio: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("delivery: encode metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(o.dir, base+metaExt), data); err != nil {
		_ = os.Remove(audioPath)
		return "", fmt.Errorf("delivery: write metadata: %w", err)
	}
	return audioPath, nil
}

// Jobs returns the base names of all listed jobs in creation order.
func (o *Outbox) Jobs() ([]string, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("delivery: list outbox: %w", err)
	}
	var bases []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaExt) {
			continue
		}
		bases = append(bases, strings.TrimSuffix(name, metaExt))
	}
	sort.Strings(bases)
	return bases, nil
}

// Len returns the number of listed jobs.
func (o *Outbox) Len() (int, error) {
	bases, err := o.Jobs()
	return len(bases), err
}

// Load reads the job with the given base name. It returns [ErrOrphan] when
// the audio file is missing.
func (o *Outbox) Load(base string) (*Job, error) {
	j := &Job{
		Base:      base,
		AudioPath: filepath.Join(o.dir, base+audioExt),
		MetaPath:  filepath.Join(o.dir, base+metaExt),
	}
	data, err := os.ReadFile(j.MetaPath)
	if err != nil {
		return nil, fmt.Errorf("delivery: read metadata %s: %w", base, err)
	}
	if err := json.Unmarshal(data, &j.Meta); err != nil {
		return nil, fmt.Errorf("delivery: parse metadata %s: %w", base, err)
	}
	j.Audio, err = os.ReadFile(j.AudioPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrOrphan, base)
	}
	if err != nil {
		return nil, fmt.Errorf("delivery: read audio %s: %w", base, err)
	}
	return j, nil
}

// Remove deletes a job, audio first.
func (o *Outbox) Remove(base string) error {
	if err := os.Remove(filepath.Join(o.dir, base+audioExt)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delivery: remove audio %s: %w", base, err)
	}
	return o.purge(base)
}

// purge deletes only the metadata sidecar.
func (o *Outbox) purge(base string) error {
	if err := os.Remove(filepath.Join(o.dir, base+metaExt)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delivery: remove metadata %s: %w", base, err)
	}
	return nil
}

// Writable checks that a file can be created in the spool directory.
func (o *Outbox) Writable() error {
	f, err := os.CreateTemp(o.dir, ".writable-*.tmp")
	if err != nil {
		return fmt.Errorf("delivery: outbox not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
