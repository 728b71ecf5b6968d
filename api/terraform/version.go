package terraform

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/hashicorp/terraform-exec/tfexec"
)

// Version reports the version of the terraform binary. It is used at
// startup and by the health endpoint.
func Version(ctx context.Context, binary, dir string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("terraform binary %q: %w", binary, err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		dir = os.TempDir()
	}
	tf, err := tfexec.NewTerraform(dir, path)
	if err != nil {
		return "", err
	}
	v, _, err := tf.Version(ctx, true)
	if err != nil {
		return "", fmt.Errorf("terraform version: %w", err)
	}
	return v.String(), nil
}
