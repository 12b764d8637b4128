package jobscript

import (
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// portScanWindow is how many ports the finder scans upward from the IDE's
// default before giving up.
const portScanWindow = 100

// Params carries everything the builder needs for one submit script.
type Params struct {
	User        string
	Cluster     string
	IDE         types.IDE
	CPUs        int
	Release     string
	Image       string
	Accelerator string
	// Token is injected into IDEs whose binary accepts one (code, jupyter);
	// ignored for rstudio.
	Token string
}

// Builder produces the self-contained shell script each IDE job runs under
// the scheduler's wrap argument.
//
// Two quoting contexts govern every script: the outer string is interpolated
// once into a command line sent over a remote shell, and the assets embedded
// inside it must survive that hop unchanged. The rule here is strict: every
// embedded asset is base64-encoded and decoded on the remote side, and the
// only dollar signs in the outer string are $NAME references that must
// expand on the compute node. Mixing interpolated literals into the inner
// script body is not supported.
type Builder struct {
	cfg *config.Config
}

// NewBuilder creates a script builder over the deployment config.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// PortFilePath is where the port finder writes the chosen port, relative to
// the user's home on the cluster.
func PortFilePath(ide types.IDE) string {
	return ".porthole/" + string(ide) + ".port"
}

// Build returns the single-line script for the scheduler's wrap argument.
func (b *Builder) Build(p Params) (string, error) {
	ic, err := b.cfg.IDE(p.IDE)
	if err != nil {
		return "", err
	}
	cc, err := b.cfg.Cluster(p.Cluster)
	if err != nil {
		return "", err
	}

	var steps []string
	steps = append(steps, "set -e", `PORTHOLE_TMP=$(mktemp -d)`)

	// Port finder runs first: it localises the port-collision problem to
	// the compute node and hands the rest of the script $IDE_PORT.
	steps = append(steps, decodeAsset("portfind.sh", portFinderAsset(ic.DefaultPort, p.IDE)))
	steps = append(steps,
		`IDE_PORT=$(sh $PORTHOLE_TMP/portfind.sh)`,
		`export IDE_PORT`,
	)

	bootstrap, err := b.bootstrapAsset(p, ic)
	if err != nil {
		return "", err
	}
	steps = append(steps, decodeAsset("bootstrap.sh", bootstrap), `sh $PORTHOLE_TMP/bootstrap.sh`)

	steps = append(steps, threadPins(p.CPUs)...)

	exec, err := b.containerExec(p, ic, cc)
	if err != nil {
		return "", err
	}
	steps = append(steps, exec)

	return strings.Join(steps, "; "), nil
}

// decodeAsset emits the decode step for one base64-framed asset.
func decodeAsset(name, content string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(content))
	return fmt.Sprintf("echo %s | base64 -d > $PORTHOLE_TMP/%s", enc, name)
}

// portFinderAsset scans from the IDE's default port upward and writes the
// winner to the per-IDE port file under the user's home.
func portFinderAsset(defaultPort int, ide types.IDE) string {
	return fmt.Sprintf(`#!/bin/sh
port=%d
limit=%d
while [ "$port" -lt "$limit" ]; do
  if ! (exec 3<>"/dev/tcp/127.0.0.1/$port") 2>/dev/null; then
    break
  fi
  exec 3>&-
  port=$((port+1))
done
mkdir -p "$HOME/.porthole"
echo "$port" > "$HOME/%s"
echo "$port"
`, defaultPort, defaultPort+portScanWindow, PortFilePath(ide))
}

// bootstrapAsset prepares IDE-specific settings before the container runs.
func (b *Builder) bootstrapAsset(p Params, ic config.IDEConfig) (string, error) {
	switch p.IDE {
	case types.IDECode:
		return codeBootstrap(), nil
	case types.IDERStudio:
		return rstudioBootstrap(), nil
	case types.IDEJupyter:
		return jupyterBootstrap(ic.BasePath), nil
	}
	return "", fmt.Errorf("unknown ide %q", p.IDE)
}

// threadPins sets the usual numeric-library thread caps from the cpu
// request so a shared node is not oversubscribed.
func threadPins(cpus int) []string {
	if cpus <= 0 {
		cpus = 1
	}
	vars := []string{"OMP_NUM_THREADS", "MKL_NUM_THREADS", "OPENBLAS_NUM_THREADS", "NUMEXPR_NUM_THREADS"}
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		out = append(out, fmt.Sprintf("export %s=%d", v, cpus))
	}
	return out
}

// containerExec assembles the final exec line handing off to the IDE binary.
func (b *Builder) containerExec(p Params, ic config.IDEConfig, cc config.ClusterConfig) (string, error) {
	var args []string
	args = append(args, "exec", "apptainer", "exec")

	for _, bind := range cc.Binds {
		args = append(args, "--bind", bind)
	}
	if cc.LibraryRoot != "" {
		args = append(args, "--bind", path.Join(cc.LibraryRoot, p.Release)+":/opt/libs")
	}
	if p.Accelerator != "" {
		args = append(args, "--nv")
	}

	switch p.IDE {
	case types.IDECode:
		// Cookie-based auth: the server issues the cookie when the token
		// arrives as a query parameter; the proxy injects it on first hit.
		args = append(args, p.Image,
			"openvscode-server",
			"--host", "0.0.0.0",
			"--port", "$IDE_PORT",
			"--connection-token", p.Token,
			"--server-base-path", strings.TrimPrefix(ic.BasePath, "/"),
		)
	case types.IDERStudio:
		// No login: auth-none with a per-job secure cookie key so two
		// simultaneous sessions of one user cannot clobber each other.
		if cc.LibraryRoot != "" {
			args = append(args, "--env", "R_LIBS_SITE=/opt/libs/R")
		}
		args = append(args, p.Image,
			"rserver",
			"--www-port", "$IDE_PORT",
			"--auth-none", "1",
			"--server-user", "$USER",
			"--secure-cookie-key-file", "$HOME/.rstudio-launch/$SLURM_JOB_ID/secure-cookie-key",
		)
	case types.IDEJupyter:
		// Query-token auth; base_url must match the proxy path.
		if cc.LibraryRoot != "" {
			args = append(args, "--env", "PYTHONPATH=/opt/libs/python")
		}
		args = append(args, "--env", "JUPYTER_TOKEN="+p.Token)
		args = append(args, p.Image,
			"jupyter", "lab",
			"--no-browser",
			"--ip", "0.0.0.0",
			"--port", "$IDE_PORT",
			"--ServerApp.base_url", ic.BasePath,
		)
	default:
		return "", fmt.Errorf("unknown ide %q", p.IDE)
	}

	return strings.Join(args, " "), nil
}

func codeBootstrap() string {
	return `#!/bin/sh
mkdir -p "$HOME/.openvscode-server/data/Machine"
settings="$HOME/.openvscode-server/data/Machine/settings.json"
if [ ! -f "$settings" ]; then
  printf '{\n  "workbench.startupEditor": "none",\n  "telemetry.telemetryLevel": "off"\n}\n' > "$settings"
fi
`
}

func rstudioBootstrap() string {
	return `#!/bin/sh
dir="$HOME/.rstudio-launch/$SLURM_JOB_ID"
mkdir -p "$dir"
chmod 700 "$dir"
if [ ! -f "$dir/secure-cookie-key" ]; then
  head -c 32 /dev/urandom | od -A n -t x1 | tr -d ' \n' > "$dir/secure-cookie-key"
  chmod 600 "$dir/secure-cookie-key"
fi
`
}

func jupyterBootstrap(basePath string) string {
	return fmt.Sprintf(`#!/bin/sh
mkdir -p "$HOME/.jupyter"
cfg="$HOME/.jupyter/jupyter_lab_config.py"
if [ ! -f "$cfg" ]; then
  printf 'c.ServerApp.base_url = "%s"\nc.ServerApp.open_browser = False\n' > "$cfg"
fi
`, basePath)
}
