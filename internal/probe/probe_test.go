package probe

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

const (
	windowsReply = `
Pinging 1.2.3.4 with 32 bytes of data:
Reply from 1.2.3.4: bytes=32 time=23ms TTL=54

Ping statistics for 1.2.3.4:
    Packets: Sent = 1, Received = 1, Lost = 0 (0% loss),
`
	windowsUnreachable = `
Pinging 1.2.3.4 with 32 bytes of data:
Reply from 192.168.1.1: Destination host unreachable.
`
	linuxReply = `PING 1.2.3.4 (1.2.3.4) 56(84) bytes of data.
64 bytes from 1.2.3.4: icmp_seq=1 ttl=54 time=41.6 ms

--- 1.2.3.4 ping statistics ---
1 packets transmitted, 1 received, 0% packet loss, time 0ms
`
)

func TestParseLatency(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   int
		ok     bool
	}{
		{"windows", windowsReply, 23, true},
		{"linux rounds", linuxReply, 42, true},
		{"sub millisecond", "Reply from 10.0.0.1: bytes=32 time<1ms TTL=128", 0, true},
		{"unreachable", windowsUnreachable, 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLatency([]byte(tt.output))
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseLatency() = %d, %v; want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestArgs(t *testing.T) {
	tests := []struct {
		goos string
		want []string
	}{
		{"windows", []string{"-n", "1", "-w", "1000", "1.2.3.4"}},
		{"linux", []string{"-c", "1", "-W", "1", "1.2.3.4"}},
		{"darwin", []string{"-c", "1", "-W", "1000", "1.2.3.4"}},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			got := Args(tt.goos, "1.2.3.4", time.Second)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Args(%s) = %v, want %v", tt.goos, got, tt.want)
			}
		})
	}
}

func TestMeasure(t *testing.T) {
	var gotName string
	var gotArgs []string
	var deadline time.Duration

	p := NewPingProbe(Config{GOOS: "windows"}, nil).WithRunner(
		func(ctx context.Context, name string, args ...string) ([]byte, error) {
			gotName, gotArgs = name, args
			if d, ok := ctx.Deadline(); ok {
				deadline = time.Until(d)
			}
			return []byte(windowsReply), nil
		})

	res, err := p.Measure(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if !res.Reachable || res.LatencyMs != 23 {
		t.Errorf("expected reachable 23ms, got %+v", res)
	}
	if gotName != "ping" || gotArgs[len(gotArgs)-1] != "1.2.3.4" {
		t.Errorf("unexpected command %s %v", gotName, gotArgs)
	}
	if deadline <= 0 || deadline > DefaultTimeout+DefaultOverhead {
		t.Errorf("expected deadline bounded by timeout+overhead, got %v", deadline)
	}
}

func TestMeasureUnreachable(t *testing.T) {
	tests := []struct {
		name string
		out  string
		err  error
	}{
		{"non-zero exit", linuxReply, errors.New("exit status 1")},
		{"no reply time", windowsUnreachable, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPingProbe(Config{}, nil).WithRunner(
				func(ctx context.Context, name string, args ...string) ([]byte, error) {
					return []byte(tt.out), tt.err
				})

			res, err := p.Measure(context.Background(), "1.2.3.4")
			if !errors.Is(err, ErrUnreachable) {
				t.Errorf("expected ErrUnreachable, got %v", err)
			}
			if res.Reachable || res.LatencyMs != 0 {
				t.Errorf("expected no value, got %+v", res)
			}
		})
	}
}
