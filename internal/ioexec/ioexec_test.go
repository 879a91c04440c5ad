package ioexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmitFileAndDirectory(t *testing.T) {
	root := t.TempDir()
	e := NewExecutor()

	e.Submit(Item{Kind: KindDirectory, Path: filepath.Join(root, "lib"), Mode: 0755})
	e.Submit(Item{Kind: KindFile, Path: filepath.Join(root, "lib", "a.txt"), Data: []byte("hello"), Mode: 0644})

	var results []CompletedIo
	done := make(chan struct{})
	go func() {
		for c := range e.Completions() {
			results = append(results, c)
		}
		close(done)
	}()

	e.Join()
	<-done

	for _, r := range results {
		require.NoError(t, r.Err)
	}

	b, err := os.ReadFile(filepath.Join(root, "lib", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
}

func TestBudgetReclaimedAfterCompletion(t *testing.T) {
	root := t.TempDir()
	os.Setenv("TOOLCHAINCTL_UNPACK_RAM", "65536")
	defer os.Unsetenv("TOOLCHAINCTL_UNPACK_RAM")

	e := NewExecutor()
	require.Equal(t, int64(65536), e.budget)

	for i := 0; i < 5; i++ {
		data := make([]byte, 40000)
		e.Submit(Item{Kind: KindFile, Path: filepath.Join(root, string(rune('a'+i))), Data: data, Mode: 0644})
	}

	go func() {
		for range e.Completions() {
		}
	}()
	e.Join()
}
