package bootstrap

import (
	"errors"
	"fmt"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/songokas/hvents/internal/config"
	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/registry"
)

func rootFromYAML(t *testing.T, doc string) config.Root {
	t.Helper()
	var root config.Root
	if err := yaml.Unmarshal([]byte(doc), &root); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	return root
}

func TestHasFileSourcesDetectsFileChangedAndWatch(t *testing.T) {
	root := rootFromYAML(t, `
events:
  changed:
    file_changed:
      path: /tmp/x
`)
	reg, err := registry.Load(root, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !hasFileSources(reg) {
		t.Fatal("expected hasFileSources to report true for a file_changed event")
	}
}

func TestHasFileSourcesFalseWithoutFileEvents(t *testing.T) {
	root := rootFromYAML(t, `
events:
  boot:
    print:
      stream: stdout
`)
	reg, err := registry.Load(root, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if hasFileSources(reg) {
		t.Fatal("expected hasFileSources to report false with no file_changed/watch events")
	}
}

func TestClassifyConfigErrorWrapsAsConfigError(t *testing.T) {
	wrapped := fmt.Errorf("mqtt pool default: %w", herrors.NewConfig("mqtt_publish", "bad broker url", errors.New("boom")))

	err := classify(wrapped)

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("classify(%v) = %v, want *ConfigError", wrapped, err)
	}
}

func TestClassifyPlainErrorWrapsAsStartupIOError(t *testing.T) {
	err := classify(errors.New("connection refused"))

	var ioErr *StartupIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("classify() = %v, want *StartupIOError", err)
	}
}

func TestConfigErrorUnwrap(t *testing.T) {
	inner := errors.New("bad yaml")
	err := &ConfigError{inner}

	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(%v, %v) = false, want true", err, inner)
	}
}

func TestStartupIOErrorUnwrap(t *testing.T) {
	inner := errors.New("address already in use")
	err := &StartupIOError{inner}

	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(%v, %v) = false, want true", err, inner)
	}
}
