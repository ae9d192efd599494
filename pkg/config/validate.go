package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dd0wney/cluso-arbiter/pkg/logging"
)

var validate = validator.New()

// Validate checks struct tags first, then the cross-field rules that tags
// cannot express. All rule violations are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	chk := &checker{}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			chk.add(formatFieldError(fe))
		}
	}

	chk.positive("probe.witness_timeout", c.Probe.WitnessTimeout)
	chk.positive("probe.round_timeout", c.Probe.RoundTimeout)
	if c.Probe.RoundTimeout > 0 && c.Probe.WitnessTimeout > c.Probe.RoundTimeout {
		chk.add(fmt.Errorf("probe.witness_timeout: %v exceeds round_timeout %v",
			c.Probe.WitnessTimeout, c.Probe.RoundTimeout))
	}

	chk.positive("fencing.lock_wait", c.Fencing.LockWait)
	chk.positive("fencing.stale_grace", c.Fencing.StaleGrace)
	chk.positive("fencing.poll_interval", c.Fencing.PollInterval)
	chk.positive("fencing.fence_timeout", c.Fencing.FenceTimeout)
	chk.positive("hooks.timeout", c.Hooks.Timeout)
	chk.positive("bus.recv_timeout", c.Bus.RecvTimeout)

	if t := c.HTTP.TLS; (t.CertFile == "") != (t.KeyFile == "") {
		chk.add(errors.New("http.tls: cert_file and key_file must be set together"))
	}
	if t := c.HTTP.TLS; t.RequireClientCert && t.CAFile == "" {
		chk.add(errors.New("http.tls.require_client_cert: ca_file is required"))
	}
	if t := c.HTTP.TLS; t.RequireClientCert && t.CertFile == "" && !t.AutoGenerate {
		chk.add(errors.New("http.tls.require_client_cert: cert_file or auto_generate is required"))
	}
	if c.HTTP.Addr != "" && !c.HTTP.TLS.RequireClientCert {
		if local, err := loopbackAddr(c.HTTP.Addr); err != nil {
			chk.add(fmt.Errorf("http.addr: %w", err))
		} else if !local {
			chk.add(fmt.Errorf("http.addr: %q accepts remote callers; bind to loopback or set http.tls.require_client_cert", c.HTTP.Addr))
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		chk.add(fmt.Errorf("logging.level: %w", err))
	}

	seen := make(map[string]bool, len(c.Resources.Groups))
	for _, g := range c.Resources.Groups {
		if seen[g.Name] {
			chk.add(fmt.Errorf("resources.groups: duplicate group %q", g.Name))
		}
		seen[g.Name] = true
	}

	return chk.err()
}

// loopbackAddr reports whether a listen address only accepts local
// connections. An empty host listens on every interface.
func loopbackAddr(addr string) (bool, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false, err
	}
	if host == "localhost" {
		return true, nil
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback(), nil
}

type checker struct {
	errs []error
}

func (c *checker) add(err error) {
	c.errs = append(c.errs, err)
}

func (c *checker) positive(field string, d time.Duration) {
	if d <= 0 {
		c.add(fmt.Errorf("%s: duration %v must be positive", field, d))
	}
}

func (c *checker) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(c.errs...))
}

func formatFieldError(fe validator.FieldError) error {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s: field is required", field)
	case "oneof":
		return fmt.Errorf("%s: %q must be one of [%s]", field, fe.Value(), fe.Param())
	case "min", "gte":
		return fmt.Errorf("%s: must be at least %s", field, fe.Param())
	case "max":
		return fmt.Errorf("%s: must not exceed %s", field, fe.Param())
	default:
		return fmt.Errorf("%s: validation failed (%s)", field, fe.Tag())
	}
}
