package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepsight/agency/internal/relay"
	"github.com/google/go-cmp/cmp"
)

func TestParseTopics(t *testing.T) {
	tests := []struct {
		description string
		input       []string
		want        []string
	}{
		{
			description: "single",
			input:       []string{"demo"},
			want:        []string{"demo"},
		},
		{
			description: "comma separated",
			input:       []string{"demo, other", "third"},
			want:        []string{"demo", "other", "third"},
		},
		{
			description: "empty and duplicate entries",
			input:       []string{"demo,,demo", " ", "other,demo"},
			want:        []string{"demo", "other"},
		},
		{
			description: "nil",
			want:        []string{},
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			got := ParseTopics(test.input)

			if !cmp.Equal(got, test.want) {
				t.Errorf("%v", cmp.Diff(got, test.want))
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		description string
		input       Config
		wantError   bool
	}{
		{
			description: "defaults",
			input:       DefaultConfig,
		},
		{
			description: "result loops back",
			input: Config{
				Broker:          []string{"tcp://localhost:1883"},
				SubscribeTopics: []string{"demo"},
				PublishTopic:    "demo",
				ErrorTopic:      "demo/error",
			},
			wantError: true,
		},
		{
			description: "relay frames loop back",
			input: Config{
				SubscribeTopics:   []string{"demo"},
				PublishTopic:      "demo/result",
				ErrorTopic:        "demo/error",
				RelayForwardTopic: "demo",
			},
			wantError: true,
		},
		{
			description: "missing error topic",
			input: Config{
				Broker:          []string{"tcp://localhost:1883"},
				SubscribeTopics: []string{"demo"},
				PublishTopic:    "demo/result",
			},
			wantError: true,
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			err := test.input.Validate()

			if test.wantError != (err != nil) {
				t.Errorf("unexpected error value: %v", err)
			}
		})
	}
}

func TestParseRelayConfig(t *testing.T) {
	tests := []struct {
		description string
		input       string
		want        *RelayConfig
		wantError   bool
	}{
		{
			description: "server and client",
			input: `
[[endpoint]]
name = "nodes"
role = "server"
address = "127.0.0.1:8801"
max-conns = 4

[[endpoint]]
name = "upstream"
role = "client"
address = "10.0.0.2:8802"
inbound = "upstream"
reconnect = true
dial-timeout = "5s"
`,
			want: &RelayConfig{
				Endpoints: []RelayEndpoint{
					{
						Name:     "nodes",
						Role:     "server",
						Address:  "127.0.0.1:8801",
						Inbound:  DefaultInbound,
						MaxConns: 4,
					},
					{
						Name:        "upstream",
						Role:        "client",
						Address:     "10.0.0.2:8802",
						Inbound:     "upstream",
						Reconnect:   true,
						DialTimeout: "5s",
					},
				},
			},
		},
		{
			description: "empty",
			input:       ``,
			want:        &RelayConfig{},
		},
		{
			description: "duplicate name",
			input: `
[[endpoint]]
name = "a"
role = "server"
address = ":1"

[[endpoint]]
name = "a"
role = "server"
address = ":2"
`,
			wantError: true,
		},
		{
			description: "invalid role",
			input: `
[[endpoint]]
name = "a"
role = "peer"
address = ":1"
`,
			wantError: true,
		},
		{
			description: "invalid dial timeout",
			input: `
[[endpoint]]
name = "a"
role = "client"
address = "localhost:1"
dial-timeout = "soon"
`,
			wantError: true,
		},
		{
			description: "invalid TOML",
			input:       `[[endpoint`,
			wantError:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			got, err := ParseRelayConfig([]byte(test.input))

			if test.wantError {
				if err == nil {
					t.Errorf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !cmp.Equal(got, test.want) {
				t.Errorf("%v", cmp.Diff(got, test.want))
			}
		})
	}
}

func TestRelayEndpointRelayConfig(t *testing.T) {
	e := RelayEndpoint{
		Name:         "upstream",
		Role:         "client",
		Address:      "localhost:8802",
		MaxFrameSize: 4096,
		Reconnect:    true,
		DialTimeout:  "250ms",
	}

	got, err := e.RelayConfig()
	if err != nil {
		t.Fatal(err)
	}

	want := relay.Config{
		Name:         "upstream",
		Role:         relay.RoleClient,
		Address:      "localhost:8802",
		MaxFrameSize: 4096,
		Reconnect:    true,
		DialTimeout:  250 * time.Millisecond,
	}
	if !cmp.Equal(got, want) {
		t.Errorf("%v", cmp.Diff(got, want))
	}
}

func TestLoadRelayConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "relay.toml")
	data := []byte("[[endpoint]]\nname = \"nodes\"\nrole = \"server\"\naddress = \":8801\"\n")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadRelayConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Endpoints) != 1 || got.Endpoints[0].Name != "nodes" {
		t.Errorf("unexpected config: %+v", got)
	}

	if _, err := LoadRelayConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCreateTLSConfig(t *testing.T) {
	t.Run("no files", func(t *testing.T) {
		conf := Config{}
		got, err := conf.CreateTLSConfig()
		if err != nil {
			t.Fatal(err)
		}
		if got.RootCAs == nil {
			t.Error("expected system root CAs")
		}
		if len(got.Certificates) != 0 {
			t.Errorf("unexpected certificates: %v", got.Certificates)
		}
	})

	t.Run("missing ca-root", func(t *testing.T) {
		conf := Config{CARoot: []string{filepath.Join(t.TempDir(), "missing.pem")}}
		if _, err := conf.CreateTLSConfig(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("invalid key pair", func(t *testing.T) {
		dir := t.TempDir()
		conf := Config{
			CertFile: filepath.Join(dir, "cert.pem"),
			KeyFile:  filepath.Join(dir, "key.pem"),
		}
		for _, f := range []string{conf.CertFile, conf.KeyFile} {
			if err := os.WriteFile(f, []byte("not a pem block"), 0600); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := conf.CreateTLSConfig(); err == nil {
			t.Error("expected error")
		}
	})
}

func TestWatcherUpdateNoFiles(t *testing.T) {
	conf := Config{}
	events, err := conf.WatcherUpdate()
	if err != nil {
		t.Fatal(err)
	}
	if events != nil {
		t.Error("expected nil channel")
	}
}
