package resources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/transports/ssh"
)

// maxOutputTail is how much of a failed command's output is kept in the
// error message.
const maxOutputTail = 512

// Runner carries out the actions and readiness checks of a manifest.
type Runner struct {
	starlark      *config.StarlarkEvaluator
	ssh           *ssh.Pool
	logger        zerolog.Logger
	actionTimeout time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger receiving action output.
func WithLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithActionTimeout bounds actions and checks that set no timeout of their own.
func WithActionTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.actionTimeout = d }
}

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	// Starlark scripts are bounded by the contexts passed in.
	r.starlark = config.NewStarlarkEvaluator(24 * time.Hour)
	r.ssh = ssh.NewPool(r.logger.With().Str("transport", "ssh").Logger())
	return r
}

// Close closes the connections to remote hosts.
func (r *Runner) Close() error {
	return r.ssh.Close()
}

// Act returns the engine action carrying out change on res with ac. A nil
// ac has nothing to run.
func (r *Runner) Act(res *Resource, change engine.ChangeType, ac *config.ActionConfig) engine.ActFunc {
	if ac == nil {
		return nil
	}
	return func(ctx context.Context) error {
		ctx, cancel := r.withTimeout(ctx, ac.Timeout)
		defer cancel()

		log := r.logger.With().Str("node_id", res.ID()).Str("change", string(change)).Str("kind", string(ac.Kind)).Logger()
		start := time.Now()
		err := r.run(ctx, log, res, change, ac)
		if err != nil {
			return err
		}
		log.Debug().Dur("duration", time.Since(start)).Msg("action finished")
		return nil
	}
}

func (r *Runner) run(ctx context.Context, log zerolog.Logger, res *Resource, change engine.ChangeType, ac *config.ActionConfig) error {
	switch ac.Kind {
	case config.ActionKindExec:
		if ac.SSH != nil {
			_, err := r.remote(ctx, log, res, change, ac.SSH, ac.Files, ac.Command, ac.Env, ac.Dir)
			return err
		}
		_, err := r.exec(ctx, log, res, change, ac.Command, ac.Env, ac.Dir)
		return err

	case config.ActionKindStarlark:
		result, err := r.starlark.Evaluate(ctx, res.ID(), ac.Script, r.scriptInput(res, change))
		if result != nil {
			for _, line := range result.Printed {
				log.Info().Msg(line)
			}
		}
		return err

	case config.ActionKindSleep:
		timer := time.NewTimer(ac.Duration.Std())
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case config.ActionKindNoop:
		return nil

	case config.ActionKindFail:
		msg := ac.Message
		if msg == "" {
			msg = fmt.Sprintf("%s of %s failed", change, res.ID())
		}
		return errors.New(msg)

	default:
		return fmt.Errorf("unknown action kind %q", ac.Kind)
	}
}

// Check runs a readiness check. A check that runs but says no is a
// not-done status, not an error.
func (r *Runner) Check(ctx context.Context, res *Resource, rc *config.ReadinessConfig) (engine.WaitStatus, error) {
	ctx, cancel := r.withTimeout(ctx, rc.Timeout)
	defer cancel()

	log := r.logger.With().Str("node_id", res.ID()).Str("check", string(rc.Kind)).Logger()

	switch rc.Kind {
	case config.ActionKindExec:
		var (
			out []byte
			err error
		)
		if rc.SSH != nil {
			out, err = r.remote(ctx, log, res, engine.ChangeNone, rc.SSH, nil, rc.Command, nil, "")
		} else {
			out, err = r.exec(ctx, log, res, engine.ChangeNone, rc.Command, nil, "")
		}
		if code, ok := exitStatus(err); ok {
			status := engine.Waiting("%s exited with status %d", rc.Command[0], code)
			if tail := lastLine(out); tail != "" {
				status.Message += ": " + tail
			}
			return status, nil
		}
		if err != nil {
			return engine.WaitStatus{}, err
		}
		return engine.Ready(), nil

	case config.ActionKindStarlark:
		result, err := r.starlark.Evaluate(ctx, res.ID()+"_readiness", rc.Script, r.scriptInput(res, engine.ChangeNone))
		if err != nil {
			return engine.WaitStatus{}, err
		}
		ready, _ := result.Output["ready"].(bool)
		msg, _ := result.Output["message"].(string)
		if ready {
			return engine.WaitStatus{Done: true, Message: msg}, nil
		}
		if msg == "" {
			msg = "readiness script reported not ready"
		}
		return engine.WaitStatus{Message: msg}, nil

	default:
		return engine.WaitStatus{}, fmt.Errorf("unknown readiness kind %q", rc.Kind)
	}
}

// exec runs argv with the resource identity in its environment and returns
// its combined output. Output is logged at debug level.
func (r *Runner) exec(ctx context.Context, log zerolog.Logger, res *Resource, change engine.ChangeType, argv []string, env map[string]string, dir string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("exec: empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"DEPLOYER_RESOURCE_ID="+res.ID(),
		"DEPLOYER_CHANGE="+string(change),
	)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	return commandResult(ctx, log, argv, out.Bytes(), cmd.Run())
}

// remote runs argv on the host of target over SSH, uploading files first.
func (r *Runner) remote(ctx context.Context, log zerolog.Logger, res *Resource, change engine.ChangeType, target *config.SSHConfig, files []config.FileConfig, argv []string, env map[string]string, dir string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("exec: empty command")
	}
	cfg, err := sshConfig(target)
	if err != nil {
		return nil, err
	}
	uploads, err := sshFiles(files)
	if err != nil {
		return nil, err
	}

	client, err := r.ssh.Get(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Upload(ctx, uploads); err != nil {
		return nil, err
	}

	vars := make(map[string]string, len(env)+2)
	for k, v := range env {
		vars[k] = v
	}
	vars["DEPLOYER_RESOURCE_ID"] = res.ID()
	vars["DEPLOYER_CHANGE"] = string(change)

	if dir != "" {
		argv = append([]string{"sh", "-c", `cd "$1" && shift && exec "$@"`, "sh", dir}, argv...)
	}
	out, err := client.Run(ctx, argv, vars)
	return commandResult(ctx, log.With().Str("host", target.Host).Logger(), argv, out, err)
}

// commandResult logs the output of a finished command and folds the tail
// of it into the error of a failed one.
func commandResult(ctx context.Context, log zerolog.Logger, argv []string, out []byte, err error) ([]byte, error) {
	if len(out) > 0 {
		log.Debug().Str("command", argv[0]).Str("output", string(out)).Msg("command output")
	}
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("%s: %w", argv[0], ctxErr)
	}
	if tail := tailOf(out); tail != "" {
		return out, fmt.Errorf("%s: %w: %s", argv[0], err, tail)
	}
	return out, fmt.Errorf("%s: %w", argv[0], err)
}

// exitStatus reports the status of a command that ran and exited non-zero,
// locally or on a remote host.
func exitStatus(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return ssh.ExitStatus(err)
}

func sshConfig(target *config.SSHConfig) (ssh.Config, error) {
	cfg := ssh.Config{
		Host:                  target.Host,
		Port:                  target.Port,
		User:                  target.User,
		PrivateKeyPath:        target.KeyFile,
		KnownHostsPath:        target.KnownHosts,
		InsecureIgnoreHostKey: target.InsecureIgnoreHostKey,
	}
	if target.PasswordEnv != "" {
		cfg.Password = os.Getenv(target.PasswordEnv)
		if cfg.Password == "" {
			return ssh.Config{}, fmt.Errorf("ssh %s: password variable %s is not set", target.Host, target.PasswordEnv)
		}
	}
	return cfg, nil
}

func sshFiles(files []config.FileConfig) ([]ssh.File, error) {
	uploads := make([]ssh.File, 0, len(files))
	for _, f := range files {
		u := ssh.File{Source: f.Source, Destination: f.Destination}
		if f.Mode != "" {
			mode, err := strconv.ParseUint(f.Mode, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("file %s: invalid mode %q", f.Destination, f.Mode)
			}
			u.Mode = os.FileMode(mode)
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}

func (r *Runner) scriptInput(res *Resource, change engine.ChangeType) map[string]interface{} {
	cfg := res.Config()
	input := map[string]interface{}{
		"resource": cfg.ID,
		"change":   string(change),
		"config":   map[string]interface{}{},
		"labels":   map[string]string{},
	}
	if cfg.Config != nil {
		input["config"] = cfg.Config
	}
	if cfg.Labels != nil {
		input["labels"] = cfg.Labels
	}
	return input
}

func (r *Runner) withTimeout(ctx context.Context, d config.Duration) (context.Context, context.CancelFunc) {
	timeout := d.Std()
	if timeout == 0 {
		timeout = r.actionTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func tailOf(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxOutputTail {
		s = "..." + s[len(s)-maxOutputTail:]
	}
	return s
}

func lastLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
