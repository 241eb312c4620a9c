// Package stencilflags provides flag support for use by bigstencil
// command line applications.
package stencilflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigstencil/exec"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider represents an instance provider that can be configured by setting
// some set of options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets one or more options for the instances to be provided. The
	// options may be specified as key=val.
	Set(string) error
	// ExecOption returns the appropriate exec.Option to request an
	// instance as configured by the currently set options.
	ExecOption() exec.Option

	// DefaultRanks returns the default number of ranks to run on
	// this provider.
	DefaultRanks() int
}

// RegisterSystemProvider registers a 'system' provider, ie. any
// service that can provide compute systems/instances to bigstencil.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system 'profile' which
// is a named shorthand for a system and any associated options.
// For example an application that registers a profile of:
//
//	stencilflags.RegisterSystemProfile("edges-ec2", "ec2:instance=c5.2xlarge")
//
// can accept
//
//	-system=edges-ec2
//
// as a synonym for
//
//	-system=ec2:instance=c5.2xlarge
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the supported providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Internal represents in-process execution: each rank is a
// goroutine.
type Internal struct{}

// Name implements Provider.Name.
func (*Internal) Name() string { return "internal" }

// Set implements Provider.Set.
func (*Internal) Set(_ string) error {
	return fmt.Errorf("the internal instance provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (*Internal) ExecOption() exec.Option { return exec.Local }

// DefaultRanks implements Provider.DefaultRanks.
func (*Internal) DefaultRanks() int { return runtime.GOMAXPROCS(0) }

// Local represents execution on the local machine, one process per
// rank.
type Local struct{}

// Name implements Provider.Name.
func (*Local) Name() string { return "local" }

// Set implements Provider.Set.
func (*Local) Set(_ string) error {
	return fmt.Errorf("the local instance provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (*Local) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }

// DefaultRanks implements Provider.DefaultRanks.
func (*Local) DefaultRanks() int { return runtime.GOMAXPROCS(0) }

// EC2 represents AWS EC2 execution, one instance per rank.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.Name.
func (*EC2) Name() string { return "EC2" }

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// DefaultRanks implements Provider.DefaultRanks. Ranks on EC2 are
// whole instances, so the default is small.
func (*EC2) DefaultRanks() int { return 4 }

// ExecOption implements Provider.ExecOption.
func (ec2 *EC2) ExecOption() exec.Option {
	return exec.Bigmachine(ec2.System())
}

// System returns the EC2 system configured by the provider's
// options.
func (ec2 *EC2) System() *ec2system.System {
	instance := &ec2system.System{
		Username: "unknown",
	}
	u, err := user.Current()
	if err == nil {
		instance.Username = u.Username
	} else {
		log.Printf("newec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			instance.InstanceType = val.(string)
		case "dataspace":
			instance.Dataspace = val.(uint)
		case "rootsize":
			instance.Diskspace = val.(uint)
		case "profile":
			instance.InstanceProfile = val.(string)
		case "ondemand":
			instance.OnDemand = val.(bool)
		}
	}
	return instance
}

func init() {
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed SystemFlags values.
func SystemHelpShort(prefix string) string {
	const format = `a bigstencil system is specified as follows: {local,internal,ec2:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a complete explanation of the allowed SystemFlags values.
const SystemHelpLong = `A bigstencil system is specified as follows:

<system-type>:<options> where options is [key=value,]+

Each rank of the process group runs on its own instance of the system.
The currently supported instance types and their options are as follows:

internal: in-process execution, one goroutine per rank; the default.
local: same machine, one process per rank.
ec2: AWS EC2 execution, one instance per rank. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. c5.2xlarge
	dataspace=<number> - size of the data volume in GiB, typically /mnt/data.
	rootsize=<number> - size of the root volume in GiB.
	ondemand - true to use on-demand rather than spot instances
	profile - the aws instance profile to use instead of a default

In addition, an application may register 'profiles' that are shorthand
for the above, eg. "edges-ec2" can be configured as a synonym for
ec2:instance=c5.2xlarge,ondemand=true.
`

// SystemFlag represents a flag that can be used to specify a bigmachine
// instance.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}

	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Value.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags represents all of the flags that can be used to configure
// a bigstencil command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Ranks         int
	TracePath     string
	fs            *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// RegisterFlags registers the bigstencil command line flags with the supplied
// flag set. The flag names will be prefixed with the supplied prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:      "internal",
		HTTPAddress: ":3333",
	})
}

// ExecOptions parses the flag values and returns a slice of exec.Options
// that represent the actions specified by those flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	if bf.System.Provider == nil {
		return nil, fmt.Errorf("no system specified")
	}
	if bf.Ranks < 0 {
		return nil, fmt.Errorf("invalid number of ranks %d", bf.Ranks)
	}
	var stencilStatus status.Status
	// Ensure bigmachine's group is displayed first.
	_ = stencilStatus.Group(exec.BigmachineStatusGroup)
	_ = stencilStatus.Groups()

	options := []exec.Option{exec.Status(&stencilStatus)}
	options = append(options, bf.System.Provider.ExecOption())
	if bf.Ranks > 0 {
		options = append(options, exec.Ranks(bf.Ranks))
	} else {
		options = append(options, exec.Ranks(bf.System.Provider.DefaultRanks()))
	}
	if bf.TracePath != "" {
		options = append(options, exec.TracePath(bf.TracePath))
	}
	return options, nil
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Ranks         int
}

// RegisterFlagsWithDefaults registers the bigstencil command line flags with
// the supplied flag set and defaults. The flag names will be prefixed with the
// supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	if err := bf.System.Set(defaults.System); err != nil {
		log.Panicf("default system %q: %v", defaults.System, err)
	}
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stderr")
	fs.IntVar(&bf.Ranks, prefix+"ranks", defaults.Ranks, "number of ranks in the process group, 0 requests an appropriate default for the system")
	fs.StringVar(&bf.TracePath, prefix+"trace", "", "write a Chrome trace of per-rank phases to this path on exit")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	bf.fs = fs
}
