package lnstack

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/template"
	"github.com/hashicorp/go-multierror"
)

// Names of the individual checks Validate runs.
const (
	CheckNaming    = "naming"
	CheckDependsOn = "depends_on"
	CheckEnv       = "env"
	CheckPorts     = "ports"
	CheckWiring    = "wiring"
	CheckNetwork   = "network"
)

// Problem is a single configuration defect found by Validate.
type Problem struct {
	Service string
	Check   string
	Msg     string
}

func (p *Problem) Error() string {
	if p.Service == "" {
		return fmt.Sprintf("[%s] %s", p.Check, p.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", p.Check, p.Service, p.Msg)
}

type problems struct {
	err *multierror.Error
}

func (ps *problems) add(service, check, format string, args ...interface{}) {
	ps.err = multierror.Append(ps.err, &Problem{
		Service: service,
		Check:   check,
		Msg:     fmt.Sprintf(format, args...),
	})
}

// Validate runs every well-formedness check over the stack. It returns nil
// or a *multierror.Error whose entries are *Problem values.
func Validate(stack *Stack, lookup LookupFunc) error {
	ps := &problems{}

	checkNaming(stack, ps)
	checkDependsOn(stack, ps)
	checkEnv(stack, lookup, ps)
	checkPorts(stack, ps)
	checkWiring(stack, ps)
	checkNetwork(stack, ps)

	return ps.err.ErrorOrNil()
}

// Problems unpacks the error returned by Validate.
func Problems(err error) []*Problem {
	merr, ok := err.(*multierror.Error)
	if !ok {
		return nil
	}
	out := make([]*Problem, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		if p, ok := e.(*Problem); ok {
			out = append(out, p)
		}
	}
	return out
}

func checkNaming(stack *Stack, ps *problems) {
	seen := make(map[string]bool)
	for _, svc := range stack.Services {
		if svc.Name == "" {
			ps.add("", CheckNaming, "service with empty name")
			continue
		}
		if seen[svc.Name] {
			ps.add(svc.Name, CheckNaming, "duplicate service name")
		}
		seen[svc.Name] = true
		if svc.Image == "" {
			ps.add(svc.Name, CheckNaming, "no image")
		}
	}
}

func checkDependsOn(stack *Stack, ps *problems) {
	for _, svc := range stack.Services {
		for _, dep := range svc.DependsOn {
			switch {
			case dep == svc.Name:
				ps.add(svc.Name, CheckDependsOn, "depends on itself")
			case stack.Service(dep) == nil:
				ps.add(svc.Name, CheckDependsOn, "depends on unknown service %q", dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var path []string

	var visit func(svc *Service)
	visit = func(svc *Service) {
		state[svc.Name] = visiting
		path = append(path, svc.Name)
		for _, dep := range svc.DependsOn {
			next := stack.Service(dep)
			if next == nil || dep == svc.Name {
				continue
			}
			switch state[dep] {
			case visiting:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				ps.add(dep, CheckDependsOn, "dependency cycle %s",
					strings.Join(cycle, " -> "))
			case unvisited:
				visit(next)
			}
		}
		path = path[:len(path)-1]
		state[svc.Name] = done
	}

	for _, svc := range stack.Services {
		if state[svc.Name] == unvisited {
			visit(svc)
		}
	}
}

func checkEnv(stack *Stack, lookup LookupFunc, ps *problems) {
	for _, svc := range stack.Services {
		values := []string{svc.Image}
		values = append(values, svc.Command...)
		for _, v := range svc.Environment {
			values = append(values, v)
		}
		for _, v := range svc.Volumes {
			values = append(values, v.Source, v.Target)
		}

		reported := make(map[string]bool)
		for _, value := range values {
			empty, err := EmptyVars(value, lookup)
			var missing *template.MissingRequiredError
			switch {
			case errors.As(err, &missing):
				if !reported[missing.Variable] {
					ps.add(svc.Name, CheckEnv, "%v", err)
					reported[missing.Variable] = true
				}
			case err != nil:
				ps.add(svc.Name, CheckEnv, "%v", err)
			}
			for _, name := range empty {
				if reported[name] {
					continue
				}
				ps.add(svc.Name, CheckEnv, "variable %s is unset or empty", name)
				reported[name] = true
			}
		}
	}
}

func checkPorts(stack *Stack, ps *problems) {
	type binding struct {
		service string
		port    PortMapping
	}
	var bound []binding

	for _, svc := range stack.Services {
		for _, p := range svc.Ports {
			if p.Container == 0 {
				ps.add(svc.Name, CheckPorts, "mapping %s has no container port", p)
			}
			if p.Host == 0 {
				continue
			}
			for _, b := range bound {
				if !b.port.overlaps(p) {
					continue
				}
				if b.service == svc.Name {
					ps.add(svc.Name, CheckPorts, "host port %d/%s mapped twice",
						p.Host, p.protocol())
				} else {
					ps.add(svc.Name, CheckPorts, "host port %d/%s already used by %s",
						p.Host, p.protocol(), b.service)
				}
			}
			bound = append(bound, binding{service: svc.Name, port: p})
		}
	}
}

func checkWiring(stack *Stack, ps *problems) {
	for _, svc := range stack.ServicesOfKind(KindLnd) {
		flags := ParseFlags(svc.Command)

		rpchost, ok := flags["bitcoind.rpchost"]
		if !ok {
			ps.add(svc.Name, CheckWiring, "no bitcoind.rpchost")
			continue
		}
		host, port := rpcHostPort(rpchost, NetworkOf(svc))

		backend := stack.Service(host)
		if backend == nil {
			ps.add(svc.Name, CheckWiring, "bitcoind.rpchost %q names no service", rpchost)
			continue
		}
		if Kind(backend) != KindBitcoind {
			ps.add(svc.Name, CheckWiring, "bitcoind.rpchost points at %s, which is not a bitcoind", host)
			continue
		}
		if !contains(svc.DependsOn, backend.Name) {
			ps.add(svc.Name, CheckWiring, "does not depend on its backend %s", backend.Name)
		}

		bflags := ParseFlags(backend.Command)
		if want := bitcoindRPCPort(backend); port != want {
			ps.add(svc.Name, CheckWiring, "rpc port %d, %s listens on %d", port, backend.Name, want)
		}
		if u, ok := bflags["rpcuser"]; ok && flags["bitcoind.rpcuser"] != u {
			ps.add(svc.Name, CheckWiring, "rpc user does not match %s", backend.Name)
		}
		if p, ok := bflags["rpcpassword"]; ok && flags["bitcoind.rpcpass"] != p {
			ps.add(svc.Name, CheckWiring, "rpc password does not match %s", backend.Name)
		}

		for _, topic := range []string{TopicRawBlock, TopicRawTx} {
			checkZMQWiring(svc, backend, topic, flags, bflags, ps)
		}

		if a, b := NetworkOf(svc), NetworkOf(backend); a != b {
			ps.add(svc.Name, CheckWiring, "runs on %s, %s runs on %s", a, backend.Name, b)
		}
	}
}

func checkZMQWiring(svc, backend *Service, topic string, flags, bflags map[string]string, ps *problems) {
	sub, ok := flags["bitcoind.zmqpub"+topic]
	if !ok {
		ps.add(svc.Name, CheckWiring, "no %s subscription", topic)
		return
	}
	pub, ok := bflags["zmqpub"+topic]
	if !ok {
		ps.add(svc.Name, CheckWiring, "%s does not publish %s", backend.Name, topic)
		return
	}

	subHost, subPort, err := ZMQEndpoint(sub)
	if err != nil {
		ps.add(svc.Name, CheckWiring, "%s subscription: %v", topic, err)
		return
	}
	_, pubPort, err := ZMQEndpoint(pub)
	if err != nil {
		ps.add(backend.Name, CheckWiring, "%s publisher: %v", topic, err)
		return
	}
	if subHost != backend.Name {
		ps.add(svc.Name, CheckWiring, "%s subscription targets %s, backend is %s",
			topic, subHost, backend.Name)
	}
	if subPort != pubPort {
		ps.add(svc.Name, CheckWiring, "%s subscription on port %d, %s publishes on %d",
			topic, subPort, backend.Name, pubPort)
	}
}

func checkNetwork(stack *Stack, ps *problems) {
	for _, svc := range stack.ServicesOfKind(KindBitcoind) {
		network := NetworkOf(svc)
		want, err := network.PeerPort()
		if err != nil {
			ps.add(svc.Name, CheckNetwork, "%v", err)
			continue
		}
		got := want
		if v, ok := ParseFlags(svc.Command)["port"]; ok {
			p, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				ps.add(svc.Name, CheckNetwork, "bad -port %q", v)
				continue
			}
			got = uint16(p)
		}
		if got != want {
			ps.add(svc.Name, CheckNetwork, "peer port %d, %s default is %d", got, network, want)
		}
	}
}

// rpcHostPort splits an lnd bitcoind.rpchost value, falling back to the
// network default port.
func rpcHostPort(v string, network Network) (string, uint16) {
	host, port, err := splitHostPort(v)
	if err != nil {
		if h, _, serr := net.SplitHostPort(v); serr == nil {
			return h, 0
		}
		return v, network.RPCPort()
	}
	return host, port
}

func bitcoindRPCPort(svc *Service) uint16 {
	if v, ok := ParseFlags(svc.Command)["rpcport"]; ok {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			return uint16(p)
		}
	}
	return NetworkOf(svc).RPCPort()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
