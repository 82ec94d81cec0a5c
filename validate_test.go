package lnstack

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stackEnv = MapLookup(map[string]string{
	"LND_1_DATA_DIR": "/srv/lnd_1",
	"LND_2_DATA_DIR": "/srv/lnd_2",
})

func defaultStack(t *testing.T) *Stack {
	t.Helper()
	stack, err := NewStack(DefaultStackConfig())
	require.NoError(t, err)
	return stack
}

// problemsFor validates the stack and returns the problems grouped by check.
func problemsFor(t *testing.T, stack *Stack, lookup LookupFunc) map[string][]*Problem {
	t.Helper()
	err := Validate(stack, lookup)
	require.Error(t, err)

	out := make(map[string][]*Problem)
	for _, p := range Problems(err) {
		out[p.Check] = append(out[p.Check], p)
	}
	require.NotEmpty(t, out)
	return out
}

// setFlag replaces the value of flag in svc's command, appending it when absent.
func setFlag(svc *Service, flag, value string) {
	for i, arg := range svc.Command {
		name := strings.TrimLeft(arg, "-")
		if k, _, _ := strings.Cut(name, "="); k == flag {
			svc.Command[i] = arg[:len(arg)-len(name)] + flag + "=" + value
			return
		}
	}
	svc.Command = append(svc.Command, "--"+flag+"="+value)
}

func TestValidateDefaultStack(t *testing.T) {
	require.NoError(t, Validate(defaultStack(t), stackEnv))
}

func TestValidateRoundTrippedStack(t *testing.T) {
	data, err := Render(defaultStack(t))
	require.NoError(t, err)
	stack, err := Load(data)
	require.NoError(t, err)
	require.NoError(t, Validate(stack, stackEnv))
}

func TestValidateMissingEnv(t *testing.T) {
	ps := problemsFor(t, defaultStack(t), MapLookup(map[string]string{
		"LND_1_DATA_DIR": "/srv/lnd_1",
		"LND_2_DATA_DIR": "",
	}))
	require.Len(t, ps[CheckEnv], 1)
	assert.Equal(t, "lnd_2", ps[CheckEnv][0].Service)
	assert.Contains(t, ps[CheckEnv][0].Msg, "LND_2_DATA_DIR")
}

func TestValidateEnvDefaults(t *testing.T) {
	stack := defaultStack(t)
	stack.Service("lnd_1").Volumes[0].Source = "${LND_1_DATA_DIR:-./lnd_1}"
	stack.Service("lnd_2").Volumes[0].Source = "${LND_2_DATA_DIR:?point me at lnd_2's dir}"

	ps := problemsFor(t, stack, MapLookup(nil))
	require.Len(t, ps[CheckEnv], 1)
	assert.Equal(t, "lnd_2", ps[CheckEnv][0].Service)
	assert.Contains(t, ps[CheckEnv][0].Msg, "point me at")
}

func TestValidateEnvDefaultsRoundTrip(t *testing.T) {
	stack := defaultStack(t)
	stack.Service("lnd_1").Volumes[0].Source = "${LND_1_DATA_DIR:-./lnd_1}"
	stack.Service("lnd_2").Volumes[0].Source = "${LND_2_DATA_DIR:?point me at lnd_2's dir}"

	data, err := Render(stack)
	require.NoError(t, err)
	loaded, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, "${LND_1_DATA_DIR:-./lnd_1}", loaded.Service("lnd_1").Volumes[0].Source)
	assert.Equal(t, "/root/.lnd", loaded.Service("lnd_1").Volumes[0].Target)

	require.NoError(t, Validate(loaded, MapLookup(map[string]string{
		"LND_2_DATA_DIR": "/srv/lnd_2",
	})))

	ps := problemsFor(t, loaded, MapLookup(nil))
	require.Len(t, ps[CheckEnv], 1)
	assert.Equal(t, "lnd_2", ps[CheckEnv][0].Service)
}

func TestValidateDependsOn(t *testing.T) {
	stack := defaultStack(t)
	stack.Service("lnd_1").DependsOn = []string{"bitcoind"}
	stack.Service("lnd_2").DependsOn = []string{"bitcoin-core", "lnd_2"}

	ps := problemsFor(t, stack, stackEnv)
	require.Len(t, ps[CheckDependsOn], 2)
	assert.Contains(t, ps[CheckDependsOn][0].Msg, `unknown service "bitcoind"`)
	assert.Contains(t, ps[CheckDependsOn][1].Msg, "itself")

	// lnd_1 no longer depends on the bitcoind it talks to.
	require.Len(t, ps[CheckWiring], 1)
	assert.Equal(t, "lnd_1", ps[CheckWiring][0].Service)
}

func TestValidateDependencyCycle(t *testing.T) {
	stack := defaultStack(t)
	stack.Service("lnd_1").DependsOn = []string{"bitcoin-core", "lnd_2"}
	stack.Service("lnd_2").DependsOn = []string{"bitcoin-core", "lnd_1"}

	ps := problemsFor(t, stack, stackEnv)
	require.Len(t, ps[CheckDependsOn], 1)
	assert.Contains(t, ps[CheckDependsOn][0].Msg, "lnd_1 -> lnd_2 -> lnd_1")
}

func TestValidatePortCollision(t *testing.T) {
	stack := defaultStack(t)
	lnd2 := stack.Service("lnd_2")
	lnd2.Ports[0].Host = 8080
	lnd2.Ports[1].Host = 18332

	ps := problemsFor(t, stack, stackEnv)
	require.Len(t, ps[CheckPorts], 2)
	assert.Contains(t, ps[CheckPorts][0].Msg, "8080/tcp already used by lnd_1")
	assert.Contains(t, ps[CheckPorts][1].Msg, "18332/tcp already used by bitcoin-core")
}

func TestValidatePortsDistinctIPs(t *testing.T) {
	stack := defaultStack(t)
	stack.Service("lnd_1").Ports[0].HostIP = "127.0.0.1"
	stack.Service("lnd_2").Ports[0] = PortMapping{HostIP: "10.0.0.2", Host: 8080, Container: 8080}
	require.NoError(t, Validate(stack, stackEnv))
}

func TestValidateNaming(t *testing.T) {
	stack := defaultStack(t)
	stack.Service("lnd_2").Image = ""
	stack.Services = append(stack.Services, &Service{Name: "lnd_1", Image: "x"})

	ps := problemsFor(t, stack, stackEnv)
	require.Len(t, ps[CheckNaming], 2)
}

func TestValidateWiring(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Stack)
		want   string
	}{
		{
			name:   "unknown rpc host",
			mutate: func(s *Stack) { setFlag(s.Service("lnd_1"), "bitcoind.rpchost", "bitcoind:18332") },
			want:   "names no service",
		},
		{
			name:   "rpc host not bitcoind",
			mutate: func(s *Stack) { setFlag(s.Service("lnd_1"), "bitcoind.rpchost", "lnd_2:18332") },
			want:   "not a bitcoind",
		},
		{
			name:   "rpc port",
			mutate: func(s *Stack) { setFlag(s.Service("lnd_1"), "bitcoind.rpchost", "bitcoin-core:8332") },
			want:   "rpc port 8332",
		},
		{
			name:   "rpc password",
			mutate: func(s *Stack) { setFlag(s.Service("lnd_1"), "bitcoind.rpcpass", "wrong") },
			want:   "rpc password",
		},
		{
			name:   "zmq port",
			mutate: func(s *Stack) { setFlag(s.Service("lnd_1"), "bitcoind.zmqpubrawtx", "tcp://bitcoin-core:28332") },
			want:   "rawtx subscription on port 28332",
		},
		{
			name:   "zmq host",
			mutate: func(s *Stack) { setFlag(s.Service("lnd_1"), "bitcoind.zmqpubrawblock", "tcp://localhost:28332") },
			want:   "targets localhost",
		},
		{
			name:   "network",
			mutate: func(s *Stack) { s.Service("lnd_1").Command[0] = "--bitcoin.regtest" },
			want:   "runs on regtest",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stack := defaultStack(t)
			tc.mutate(stack)

			ps := problemsFor(t, stack, stackEnv)
			require.Len(t, ps[CheckWiring], 1, "%v", ps)
			assert.Equal(t, "lnd_1", ps[CheckWiring][0].Service)
			assert.Contains(t, ps[CheckWiring][0].Msg, tc.want)
		})
	}
}

func TestValidateMissingPublisher(t *testing.T) {
	stack := defaultStack(t)
	bitcoind := stack.Service("bitcoin-core")
	var cmd []string
	for _, arg := range bitcoind.Command {
		if _, ok := ParseFlags([]string{arg})["zmqpubrawtx"]; !ok {
			cmd = append(cmd, arg)
		}
	}
	bitcoind.Command = cmd

	ps := problemsFor(t, stack, stackEnv)
	require.Len(t, ps[CheckWiring], 2)
	for _, p := range ps[CheckWiring] {
		assert.Contains(t, p.Msg, "does not publish rawtx")
	}
}

func TestValidatePeerPort(t *testing.T) {
	stack := defaultStack(t)
	setFlag(stack.Service("bitcoin-core"), "port", "8333")

	ps := problemsFor(t, stack, stackEnv)
	require.Len(t, ps[CheckNetwork], 1)
	assert.Contains(t, ps[CheckNetwork][0].Msg, "peer port 8333, testnet default is 18333")
}

func TestProblemsOfOtherError(t *testing.T) {
	assert.Nil(t, Problems(assert.AnError))
}
