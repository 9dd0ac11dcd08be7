package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fmueller/voxscribe/internal/asr"
	"github.com/fmueller/voxscribe/internal/platform"
	"go.uber.org/zap"
)

const enginePathEnv = "VOXSCRIBE_WHISPER_PATH"

// LocalEngine transcribes chunks with a whisper-cli binary shipped next to
// voxscribe. It implements asr.Engine.
type LocalEngine struct {
	Executable string
	ModelPath  string
	Logger     *zap.Logger

	run commandRunner
}

var _ asr.Engine = (*LocalEngine)(nil)

func NewLocalEngine(modelPath string, logger *zap.Logger) (*LocalEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is required")
	}

	if override := strings.TrimSpace(os.Getenv(enginePathEnv)); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("%s is not executable: %w", enginePathEnv, err)
		}
		return &LocalEngine{Executable: override, ModelPath: modelPath, Logger: logger, run: execCommand}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve voxscribe executable path: %w", err)
	}

	whisperExe, err := ResolveBundledEnginePath(self)
	if err != nil {
		return nil, err
	}

	return &LocalEngine{Executable: whisperExe, ModelPath: modelPath, Logger: logger, run: execCommand}, nil
}

func ResolveBundledEnginePath(executable string) (string, error) {
	for _, candidate := range EnginePathCandidates(executable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("bundled whisper engine not found near %s; set %s or install whisper-cli at ../libexec/whisper/%s", executable, enginePathEnv, engineBinaryName())
}

func EnginePathCandidates(executable string) []string {
	binDir := filepath.Dir(executable)
	engineName := engineBinaryName()
	hostTarget := fmt.Sprintf("%s_%s", runtime.GOOS, platform.NormalizeArch(runtime.GOARCH))

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func (e *LocalEngine) Name() string {
	return "whisper-local"
}

// Transcribe writes the chunk to a scratch directory, runs whisper-cli on it
// and reads back the plain-text output.
func (e *LocalEngine) Transcribe(ctx context.Context, req asr.Request) (string, error) {
	if len(req.Audio) == 0 {
		return "", errors.New("audio payload is empty")
	}
	if err := ensureExecutable(e.Executable); err != nil {
		return "", fmt.Errorf("bundled whisper engine missing or not executable: %w", err)
	}

	dir, err := os.MkdirTemp("", "voxscribe-whisper-")
	if err != nil {
		return "", fmt.Errorf("create whisper scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(req.FileName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "chunk.wav"
	}
	audioPath := filepath.Join(dir, name)
	if err := os.WriteFile(audioPath, req.Audio, 0o600); err != nil {
		return "", fmt.Errorf("write chunk for whisper: %w", err)
	}

	outBase := filepath.Join(dir, "out")
	args := []string{"-m", e.ModelPath, "-f", audioPath, "-nt", "-otxt", "-of", outBase}
	if lang := asr.SanitizeLanguage(req.Language); lang != "auto" {
		args = append(args, "-l", lang)
	}

	run := e.run
	if run == nil {
		run = execCommand
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if stderr, err := run(ctx, e.Executable, args...); err != nil {
		return "", e.classify(strings.TrimSpace(stderr), err)
	}

	content, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}

	return strings.TrimSpace(string(content)), nil
}

func (e *LocalEngine) classify(errText string, err error) error {
	if isMissingSharedLibraryError(errText) {
		return fmt.Errorf("bundled whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", e.Executable, errText)
	}
	if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
		return fmt.Errorf("bundled whisper engine crashed with an illegal CPU instruction; "+
			"set %s to a whisper-cli binary built for this CPU", enginePathEnv)
	}
	return fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	for _, pattern := range []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	} {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
