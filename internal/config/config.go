// Package config reads bridge configuration from HCL files with include
// blocks, applies VCUTELE_* environment overrides and validates result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/vcutele/helpers"
	"github.com/temoto/vcutele/log2"
)

const EnvPrefix = "VCUTELE_"

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	// consumed by external link manager, bridge only checks pairing
	SSID     string `hcl:"ssid"`
	Password string `hcl:"password"`

	SerialDevice        string `hcl:"serial_device"`
	SerialBaud          int    `hcl:"serial_baud"`
	SerialPins          string `hcl:"serial_pins"`
	SerialReadTimeoutMs int    `hcl:"serial_read_timeout_ms"`

	LinkInterface string `hcl:"link_interface"`
	LinkPollMs    int    `hcl:"link_poll_ms"`

	BrokerHost              string `hcl:"broker_host"`
	BrokerPort              int    `hcl:"broker_port"`
	BrokerUser              string `hcl:"broker_user"`
	BrokerPassword          string `hcl:"broker_password"`
	BrokerClient            string `hcl:"broker_client"`
	BrokerClientID          string `hcl:"broker_client_id"`
	BrokerTLS               bool   `hcl:"broker_tls"`
	BrokerTLSCAFile         string `hcl:"broker_tls_ca_file"`
	BrokerKeepaliveSec      int    `hcl:"broker_keepalive_sec"`
	BrokerNetworkTimeoutSec int    `hcl:"broker_network_timeout_sec"`
	BrokerLogDebug          bool   `hcl:"broker_log_debug"`

	PublishTimeoutMs  int    `hcl:"publish_timeout_ms"`
	PublishQOS        int    `hcl:"publish_qos"`
	PublishErrorCodes bool   `hcl:"publish_error_codes"`
	TopicPrefix       string `hcl:"topic_prefix"`
	Handshake         bool   `hcl:"handshake"`

	MetricsListen string `hcl:"metrics_listen"`
	LogDebug      bool   `hcl:"log_debug"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func Default() *Config {
	return &Config{
		includeSeen:             make(map[string]struct{}),
		SerialDevice:            "/dev/ttyUSB0",
		SerialBaud:              115200,
		SerialReadTimeoutMs:     20,
		LinkPollMs:              500,
		BrokerHost:              "localhost",
		BrokerPort:              1883,
		BrokerClient:            "gomqtt",
		BrokerKeepaliveSec:      30,
		BrokerNetworkTimeoutSec: 10,
		PublishTimeoutMs:        5000,
		PublishQOS:              1,
		Handshake:               true,
	}
}

func (c *Config) SerialReadTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.SerialReadTimeoutMs, 20*time.Millisecond)
}
func (c *Config) LinkPoll() time.Duration {
	return helpers.IntMillisecondDefault(c.LinkPollMs, 500*time.Millisecond)
}
func (c *Config) PublishTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.PublishTimeoutMs, 5*time.Second)
}
func (c *Config) BrokerKeepalive() time.Duration {
	return helpers.IntSecondDefault(c.BrokerKeepaliveSec, 30*time.Second)
}
func (c *Config) BrokerNetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.BrokerNetworkTimeoutSec, 10*time.Second)
}

// Pins parses SerialPins, empty string is valid and gives zero Pins.
func (c *Config) Pins() (Pins, error) { return ParsePins(c.SerialPins) }

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, errors.NotValidf(format, args...))
		}
	}
	check(c.SerialDevice != "", "config serial_device empty")
	check(c.SerialBaud > 0, "config serial_baud=%d", c.SerialBaud)
	check(c.SerialReadTimeoutMs > 0, "config serial_read_timeout_ms=%d", c.SerialReadTimeoutMs)
	check(c.LinkPollMs > 0, "config link_poll_ms=%d", c.LinkPollMs)
	check(c.BrokerHost != "", "config broker_host empty")
	check(c.BrokerPort > 0 && c.BrokerPort < 1<<16, "config broker_port=%d", c.BrokerPort)
	check(c.BrokerClient == "gomqtt" || c.BrokerClient == "paho", "config broker_client=%s", c.BrokerClient)
	check(c.BrokerKeepaliveSec >= 0 && c.BrokerKeepaliveSec < 1<<16, "config broker_keepalive_sec=%d", c.BrokerKeepaliveSec)
	check(c.BrokerNetworkTimeoutSec > 0, "config broker_network_timeout_sec=%d", c.BrokerNetworkTimeoutSec)
	check(c.BrokerPassword == "" || c.BrokerUser != "", "config broker_password without broker_user")
	check(c.PublishTimeoutMs > 0, "config publish_timeout_ms=%d", c.PublishTimeoutMs)
	check(c.PublishQOS == 0 || c.PublishQOS == 1, "config publish_qos=%d (0 or 1)", c.PublishQOS)
	check(c.Password == "" || c.SSID != "", "config password without ssid")
	check(c.TopicPrefix == "" || !strings.ContainsAny(c.TopicPrefix, "#+"), "config topic_prefix=%s wildcard", c.TopicPrefix)
	if _, err := c.Pins(); err != nil {
		errs = append(errs, err)
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ApplyEnv overrides keys from environment VCUTELE_<KEY>, values use HCL syntax rules.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var b strings.Builder
	t := reflect.TypeOf(c).Elem()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := strings.Split(f.Tag.Get("hcl"), ",")[0]
		if key == "" || key == "include" {
			continue
		}
		value, ok := lookup(EnvPrefix + strings.ToUpper(key))
		if !ok {
			continue
		}
		switch f.Type.Kind() {
		case reflect.String:
			value = strconv.Quote(value)
		case reflect.Bool:
			bv, err := strconv.ParseBool(value)
			if err != nil {
				return errors.NotValidf("env %s%s=%s", EnvPrefix, strings.ToUpper(key), value)
			}
			value = strconv.FormatBool(bv)
		case reflect.Int:
			if _, err := strconv.Atoi(value); err != nil {
				return errors.NotValidf("env %s%s=%s", EnvPrefix, strings.ToUpper(key), value)
			}
		}
		fmt.Fprintf(&b, "%s = %s\n", key, value)
	}
	if b.Len() == 0 {
		return nil
	}
	return errors.Annotate(hcl.Unmarshal([]byte(b.String()), c), "config env")
}

// ReadConfig reads names in order, later sources overwrite earlier keys.
// Environment overrides are applied last, then Validate.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := Default()
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
