package agent

import "testing"

func TestScanObjectiveFlagsPrivileged(t *testing.T) {
	hits := ScanObjective("run the container with --privileged so it can see all devices")
	if len(hits) == 0 {
		t.Fatalf("expected a hit for --privileged")
	}
}

func TestScanObjectiveFlagsDockerSocketMount(t *testing.T) {
	hits := ScanObjective("mount /var/run/docker.sock into the workspace")
	if len(hits) == 0 {
		t.Fatalf("expected a hit for docker.sock mount")
	}
}

func TestScanObjectiveBenignTextHasNoHits(t *testing.T) {
	hits := ScanObjective("review open pull requests and summarize failing tests")
	if len(hits) != 0 {
		t.Fatalf("expected no hits for a benign objective, got %v", hits)
	}
}
