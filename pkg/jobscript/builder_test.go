package jobscript

import (
	"encoding/base64"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Clusters = map[string]config.ClusterConfig{
		"gemini": {
			HeadNode:       "gemini-login.example.org",
			DefaultRelease: "2026.1",
			Images:         map[string]string{"2026.1": "/images/ide-2026.1.sif"},
			Binds:          []string{"/scratch", "/projects"},
			LibraryRoot:    "/cluster/releases",
		},
	}
	return cfg
}

func buildFor(t *testing.T, ide types.IDE, token string) string {
	t.Helper()
	b := NewBuilder(testConfig())
	script, err := b.Build(Params{
		User:    "alice",
		Cluster: "gemini",
		IDE:     ide,
		CPUs:    4,
		Release: "2026.1",
		Image:   "/images/ide-2026.1.sif",
		Token:   token,
	})
	require.NoError(t, err)
	return script
}

var assetPattern = regexp.MustCompile(`echo ([A-Za-z0-9+/=]+) \| base64 -d`)

// decodedAssets extracts and decodes every base64-framed asset in a script.
func decodedAssets(t *testing.T, script string) []string {
	t.Helper()
	var out []string
	for _, m := range assetPattern.FindAllStringSubmatch(script, -1) {
		raw, err := base64.StdEncoding.DecodeString(m[1])
		require.NoError(t, err)
		out = append(out, string(raw))
	}
	return out
}

func TestBuildIsSingleLine(t *testing.T) {
	for _, ide := range types.AllIDEs {
		script := buildFor(t, ide, "tok")
		assert.NotContains(t, script, "\n", "ide %s", ide)
	}
}

func TestPortFinderIsFirstAsset(t *testing.T) {
	script := buildFor(t, types.IDECode, "tok")
	assets := decodedAssets(t, script)
	require.NotEmpty(t, assets)

	finder := assets[0]
	assert.Contains(t, finder, "port=8000")
	assert.Contains(t, finder, "limit=8100")
	assert.Contains(t, finder, `"$HOME/.porthole/code.port"`)

	// The chosen port is exported for the rest of the script.
	assert.Contains(t, script, "IDE_PORT=$(sh $PORTHOLE_TMP/portfind.sh)")
	assert.Contains(t, script, "export IDE_PORT")
}

func TestNoUnframedDollarLiterals(t *testing.T) {
	// The only dollar signs allowed in the outer string are $NAME
	// references meant to expand on the compute node.
	allowed := regexp.MustCompile(`\$(IDE_PORT|PORTHOLE_TMP|USER|HOME|SLURM_JOB_ID)\b|\$\(sh |\$\(mktemp -d\)`)
	for _, ide := range types.AllIDEs {
		script := buildFor(t, ide, "tok")
		stripped := allowed.ReplaceAllString(script, "")
		assert.NotContains(t, stripped, "$", "ide %s leaks an unframed dollar", ide)
	}
}

func TestCodeVariant(t *testing.T) {
	script := buildFor(t, types.IDECode, "sekrit")

	assert.Contains(t, script, "--connection-token sekrit")
	assert.Contains(t, script, "--port $IDE_PORT")
	assert.Contains(t, script, "--server-base-path code")
	assert.Contains(t, script, "--bind /scratch")
	assert.Contains(t, script, "--bind /projects")
	assert.Contains(t, script, "--bind /cluster/releases/2026.1:/opt/libs")
	assert.Contains(t, script, "exec apptainer exec")
	assert.NotContains(t, script, "--nv")
}

func TestRStudioVariant(t *testing.T) {
	script := buildFor(t, types.IDERStudio, "")

	assert.Contains(t, script, "--auth-none 1")
	assert.Contains(t, script, "--www-port $IDE_PORT")
	assert.Contains(t, script, "R_LIBS_SITE=/opt/libs/R")
	assert.Contains(t, script, "--secure-cookie-key-file $HOME/.rstudio-launch/$SLURM_JOB_ID/secure-cookie-key")

	assets := decodedAssets(t, script)
	require.Len(t, assets, 2)
	assert.Contains(t, assets[1], ".rstudio-launch/$SLURM_JOB_ID")
	assert.Contains(t, assets[1], "chmod 600")
}

func TestJupyterVariant(t *testing.T) {
	script := buildFor(t, types.IDEJupyter, "sekrit")

	assert.Contains(t, script, "JUPYTER_TOKEN=sekrit")
	assert.Contains(t, script, "PYTHONPATH=/opt/libs/python")
	assert.Contains(t, script, "--ServerApp.base_url /jupyter")

	assets := decodedAssets(t, script)
	require.Len(t, assets, 2)
	assert.Contains(t, assets[1], `c.ServerApp.base_url = "/jupyter"`)
}

func TestThreadPinsFollowCPURequest(t *testing.T) {
	script := buildFor(t, types.IDEJupyter, "tok")
	for _, v := range []string{"OMP_NUM_THREADS", "MKL_NUM_THREADS", "OPENBLAS_NUM_THREADS", "NUMEXPR_NUM_THREADS"} {
		assert.Contains(t, script, "export "+v+"=4")
	}
}

func TestAcceleratorPassthrough(t *testing.T) {
	b := NewBuilder(testConfig())
	script, err := b.Build(Params{
		User: "alice", Cluster: "gemini", IDE: types.IDEJupyter,
		CPUs: 2, Release: "2026.1", Image: "/images/ide-2026.1.sif",
		Accelerator: "a100", Token: "tok",
	})
	require.NoError(t, err)
	assert.Contains(t, script, "--nv")
}

func TestBuildUnknownClusterOrIDE(t *testing.T) {
	b := NewBuilder(testConfig())

	_, err := b.Build(Params{User: "alice", Cluster: "nope", IDE: types.IDECode})
	assert.Error(t, err)

	_, err = b.Build(Params{User: "alice", Cluster: "gemini", IDE: types.IDE("emacs")})
	assert.Error(t, err)
}

func TestScriptSurvivesSingleQuoting(t *testing.T) {
	// The outer string is interpolated into --wrap='...'; a single quote in
	// the script would end that context early.
	for _, ide := range types.AllIDEs {
		script := buildFor(t, ide, "tok")
		assert.False(t, strings.ContainsRune(script, '\''), "ide %s emits a single quote", ide)
	}
}
