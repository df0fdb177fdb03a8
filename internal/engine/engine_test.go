package engine

import (
	"strings"
	"testing"
)

func TestCreateArgs(t *testing.T) {
	args := createArgs(CreateOptions{
		Name:          "alpha",
		WorkspacePath: "/tmp/ws-alpha",
		AuxDir:        "/home/u/.frameline/frames/f1",
		Ports: []PortMap{
			{Host: 33000, Container: 8080},
			{Host: 35000, Container: 8081},
		},
		Env: map[string]string{"PROVIDER": "anthropic", "MODEL": "claude-sonnet"},
	}, "podman")

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"create",
		"--name " + NamePrefix + "alpha",
		"-v /tmp/ws-alpha:/workspace:rw",
		"-v /home/u/.frameline/frames/f1:/var/frameline",
		"-p 33000:8080",
		"-p 35000:8081",
		"-e MODEL=claude-sonnet",
		"-e PROVIDER=anthropic",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != DefaultImage {
		t.Errorf("image = %q, want default", args[len(args)-1])
	}

	// Env args must be deterministic (sorted): MODEL before PROVIDER.
	if strings.Index(joined, "MODEL=") > strings.Index(joined, "PROVIDER=") {
		t.Error("env args not sorted")
	}
}

func TestCreateArgsEngineSocket(t *testing.T) {
	podman := strings.Join(createArgs(CreateOptions{Name: "a", EngineSocket: true}, "podman"), " ")
	if !strings.Contains(podman, "/run/podman/podman.sock") {
		t.Errorf("podman socket missing: %s", podman)
	}
	docker := strings.Join(createArgs(CreateOptions{Name: "a", EngineSocket: true}, "docker"), " ")
	if !strings.Contains(docker, "/var/run/docker.sock") {
		t.Errorf("docker socket missing: %s", docker)
	}
}

func TestParseInspect(t *testing.T) {
	out := `[{
		"Id": "abc123def456",
		"Name": "/frameline-alpha",
		"State": {"Status": "running", "Running": true},
		"HostConfig": {"PortBindings": {
			"8080/tcp": [{"HostIp": "", "HostPort": "33000"}],
			"8081/tcp": [{"HostIp": "", "HostPort": "35000"}]
		}}
	}]`
	info, err := parseInspect(out)
	if err != nil || info == nil {
		t.Fatalf("parseInspect: %+v, %v", info, err)
	}
	if info.ID != "abc123def456" || info.Name != "frameline-alpha" || !info.Running {
		t.Errorf("info = %+v", info)
	}
	if len(info.Ports) != 2 {
		t.Errorf("ports = %+v", info.Ports)
	}
	for _, p := range info.Ports {
		if p.Container == 8080 && p.Host != 33000 {
			t.Errorf("8080 bound to %d", p.Host)
		}
	}
}

func TestParseInspectGarbage(t *testing.T) {
	if info, err := parseInspect("not json"); info != nil || err != nil {
		t.Errorf("garbage inspect: %+v, %v", info, err)
	}
	if info, _ := parseInspect("[]"); info != nil {
		t.Error("empty inspect array should return nil")
	}
}
