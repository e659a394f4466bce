package nativelog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogDir = "SOCIAL_LOG_DIR"

	filePerm = 0o644
	dirPerm  = 0o755
)

// Options configures NewZapLogger.
type Options struct {
	// Dir is the log directory; empty falls back to ResolveDir.
	Dir string
	Dev bool
}

// ResolveDir returns $SOCIAL_LOG_DIR, or ./logs when unset.
func ResolveDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		return dir
	}
	return filepath.Join(".", "logs")
}

// DailyFilename names the file that receives lines written on day.
func DailyFilename(day time.Time) string {
	return "social-" + day.Format(time.DateOnly) + ".log"
}

// Writer appends to one file per local day, swapping files at the first write
// after midnight.
type Writer struct {
	mu   sync.Mutex
	dir  string
	now  func() time.Time
	day  string
	file *os.File
}

func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		dir = ResolveDir()
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := DailyFilename(w.now())
	if w.file == nil || name != w.day {
		if w.file != nil {
			_ = w.file.Close()
			w.file = nil
		}
		f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
		if err != nil {
			return 0, err
		}
		w.file, w.day = f, name
	}
	return w.file.Write(p)
}

func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// NewZapLogger tees console output to stdout and the daily file. Standard library
// log calls are redirected into it.
func NewZapLogger(opts Options) (*zap.Logger, error) {
	writer, err := NewWriter(opts.Dir)
	if err != nil {
		return nil, err
	}

	level := zap.InfoLevel
	if opts.Dev {
		level = zap.DebugLevel
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	fileEnc := zapcore.NewConsoleEncoder(enc)
	if opts.Dev {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	stdoutEnc := zapcore.NewConsoleEncoder(enc)

	core := zapcore.NewTee(
		zapcore.NewCore(stdoutEnc, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(fileEnc, writer, level),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	zap.RedirectStdLog(logger)
	return logger, nil
}
