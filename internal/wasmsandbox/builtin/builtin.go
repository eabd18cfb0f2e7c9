// Package builtin embeds Prism's default middleware modules and
// materializes them into a configured middleware directory the first
// time the proxy starts against it. It never overwrites a file a
// deployer has already edited.
package builtin

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed *.wat
var files embed.FS

// Names lists the built-in middlewares in the order the default chain
// runs them: Minecraft handshake first (cheapest, most common case on
// the default port), then TLS SNI, then the rewrite-phase pass-through.
var Names = []string{"minecraft_handshake", "tls_sni", "host_to_upstream"}

// Materialize writes any built-in middleware not already present in
// dir. Existing files are left untouched so hand edits survive
// restarts.
func Materialize(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("builtin: creating %s: %w", dir, err)
	}
	entries, err := files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("builtin: reading embedded middlewares: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dst := filepath.Join(dir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("builtin: stat %s: %w", dst, err)
		}

		content, err := files.ReadFile(e.Name())
		if err != nil {
			return fmt.Errorf("builtin: reading embedded %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return fmt.Errorf("builtin: writing %s: %w", dst, err)
		}
	}
	return nil
}
