package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/arcward/clientele/clientele"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := clientele.Version
	originalCommitSHA := clientele.CommitSHA
	originalBuildTime := clientele.BuildTime

	t.Cleanup(
		func() {
			clientele.Version = originalVersion
			clientele.CommitSHA = originalCommitSHA
			clientele.BuildTime = originalBuildTime
		},
	)

	clientele.Version = "1.0.0"
	clientele.CommitSHA = "abc123"
	clientele.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		clientele.Version,
		clientele.CommitSHA,
		clientele.BuildTime,
	)
	assert.Equal(t, expected, output)
}
