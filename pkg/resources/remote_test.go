package resources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/transports/ssh/sshtest"
)

func remoteTarget(t *testing.T, s *sshtest.Server) *config.SSHConfig {
	t.Setenv("DEPLOYER_TEST_SSH_PASSWORD", sshtest.Password)
	return &config.SSHConfig{
		Host:                  s.Host,
		Port:                  s.Port,
		User:                  sshtest.User,
		PasswordEnv:           "DEPLOYER_TEST_SSH_PASSWORD",
		InsecureIgnoreHostKey: true,
	}
}

func TestRunnerRemoteExecUploadsFiles(t *testing.T) {
	server := sshtest.NewServer(t)
	runner := NewRunner()
	defer runner.Close()
	res := testResource(t, config.ResourceConfig{ID: "web"}, runner)

	src := filepath.Join(t.TempDir(), "web.conf")
	require.NoError(t, os.WriteFile(src, []byte("port 8080\n"), 0o644))
	remoteDir := filepath.Join(t.TempDir(), "srv")
	out := filepath.Join(remoteDir, "deployed")

	act := runner.Act(res, engine.ChangeCreate, &config.ActionConfig{
		Kind:    config.ActionKindExec,
		SSH:     remoteTarget(t, server),
		Files:   []config.FileConfig{{Source: src, Destination: filepath.Join(remoteDir, "web.conf"), Mode: "0600"}},
		Dir:     remoteDir,
		Command: []string{"sh", "-c", `echo "$DEPLOYER_CHANGE $DEPLOYER_RESOURCE_ID $ROLE $(cat web.conf)" > deployed`},
		Env:     map[string]string{"ROLE": "frontend"},
	})
	require.NoError(t, act(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "create web frontend port 8080\n", string(data))

	info, err := os.Stat(filepath.Join(remoteDir, "web.conf"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRunnerRemoteExecFailure(t *testing.T) {
	server := sshtest.NewServer(t)
	runner := NewRunner()
	defer runner.Close()
	res := testResource(t, config.ResourceConfig{ID: "web"}, runner)

	act := runner.Act(res, engine.ChangeCreate, &config.ActionConfig{
		Kind:    config.ActionKindExec,
		SSH:     remoteTarget(t, server),
		Command: []string{"sh", "-c", "echo no space left >&2; exit 4"},
	})
	err := act(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 4")
	assert.Contains(t, err.Error(), "no space left")
}

func TestRunnerRemoteCheck(t *testing.T) {
	server := sshtest.NewServer(t)
	runner := NewRunner()
	defer runner.Close()
	res := testResource(t, config.ResourceConfig{ID: "web"}, runner)
	target := remoteTarget(t, server)

	status, err := runner.Check(context.Background(), res, &config.ReadinessConfig{
		Kind:    config.ActionKindExec,
		SSH:     target,
		Command: []string{"sh", "-c", "echo warming up; exit 2"},
	})
	require.NoError(t, err)
	assert.False(t, status.Done)
	assert.Equal(t, "sh exited with status 2: warming up", status.Message)

	status, err = runner.Check(context.Background(), res, &config.ReadinessConfig{
		Kind:    config.ActionKindExec,
		SSH:     target,
		Command: []string{"true"},
	})
	require.NoError(t, err)
	assert.True(t, status.Done)
}

func TestRunnerRemoteMissingPassword(t *testing.T) {
	runner := NewRunner()
	defer runner.Close()
	res := testResource(t, config.ResourceConfig{ID: "web"}, runner)

	act := runner.Act(res, engine.ChangeCreate, &config.ActionConfig{
		Kind:    config.ActionKindExec,
		SSH:     &config.SSHConfig{Host: "db.internal", User: "deploy", PasswordEnv: "DEPLOYER_TEST_UNSET_PASSWORD"},
		Command: []string{"true"},
	})
	assert.ErrorContains(t, act(context.Background()), "password variable DEPLOYER_TEST_UNSET_PASSWORD is not set")
}

func TestSSHFilesParsesModes(t *testing.T) {
	files, err := sshFiles([]config.FileConfig{{Source: "a", Destination: "/b", Mode: "0755"}, {Source: "c", Destination: "/d"}})
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), files[0].Mode)
	assert.Equal(t, os.FileMode(0), files[1].Mode)

	_, err = sshFiles([]config.FileConfig{{Source: "a", Destination: "/b", Mode: "rw"}})
	assert.ErrorContains(t, err, `invalid mode "rw"`)
}
