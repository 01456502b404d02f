// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/jxskiss/base62"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "CALLCORE"
)

var (
	ErrHomeserverNotSet  = errors.New("homeserver url must be provided")
	ErrUserNotSet        = errors.New("homeserver user_id must be provided")
	ErrAccessTokenNotSet = errors.New("one of access_token or access_token_file must be provided")
	ErrTokenFilePerms    = errors.New("access token file others permissions must be set to 0")
	ErrRoomNotSet        = errors.New("call room must be provided")
	ErrInvalidTransport  = errors.New("transport service_url must be set")
)

type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver,omitempty"`
	Call       CallConfig        `yaml:"call,omitempty"`
	Transports []types.Transport `yaml:"transports,omitempty"`
	Connection ConnectionConfig  `yaml:"connection,omitempty"`
	MediaRoom  MediaRoomConfig   `yaml:"media_room,omitempty"`
	// serves /metrics when set
	PrometheusPort uint32 `yaml:"prometheus_port,omitempty"`
	// serves /metrics and /debug/state when set
	DebugPort uint32        `yaml:"debug_port,omitempty"`
	Logging   LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type HomeserverConfig struct {
	URL      string `yaml:"url,omitempty"`
	UserID   string `yaml:"user_id,omitempty"`
	DeviceID string `yaml:"device_id,omitempty"`
	// AccessTokenFile takes precedence over AccessToken
	AccessToken     string        `yaml:"access_token,omitempty"`
	AccessTokenFile string        `yaml:"access_token_file,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
}

type CallConfig struct {
	Room                    string `yaml:"room,omitempty"`
	WaitForCallPickup       bool   `yaml:"wait_for_call_pickup,omitempty"`
	AutoLeaveWhenOthersLeft bool   `yaml:"auto_leave_when_others_left,omitempty"`
}

type ConnectionConfig struct {
	OpenIDRetries       uint64        `yaml:"openid_retries,omitempty"`
	OpenIDRetryInterval time.Duration `yaml:"openid_retry_interval,omitempty"`
	// applies to the transport config endpoint
	HTTPTimeout  time.Duration `yaml:"http_timeout,omitempty"`
	StartWorkers int           `yaml:"start_workers,omitempty"`
}

type MediaRoomConfig struct {
	ProtocolVersion  int           `yaml:"protocol_version,omitempty"`
	MinServerVersion string        `yaml:"min_server_version,omitempty"`
	JoinTimeout      time.Duration `yaml:"join_timeout,omitempty"`
	PingInterval     time.Duration `yaml:"ping_interval,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	Homeserver: HomeserverConfig{
		Timeout: 10 * time.Second,
	},
	Connection: ConnectionConfig{
		OpenIDRetries:       3,
		OpenIDRetryInterval: 500 * time.Millisecond,
		HTTPTimeout:         10 * time.Second,
		StartWorkers:        4,
	},
	MediaRoom: MediaRoomConfig{
		ProtocolVersion:  9,
		MinServerVersion: "1.5.0",
		JoinTimeout:      15 * time.Second,
		PingInterval:     10 * time.Second,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	// expand env vars in filenames
	file, err := homedir.Expand(os.ExpandEnv(conf.Homeserver.AccessTokenFile))
	if err != nil {
		return nil, err
	}
	conf.Homeserver.AccessTokenFile = file
	conf.Homeserver.URL = strings.TrimRight(conf.Homeserver.URL, "/")

	if conf.Homeserver.DeviceID == "" && conf.Homeserver.UserID != "" {
		conf.Homeserver.DeviceID = DefaultDeviceID(conf.Homeserver.UserID)
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["roomclient.pion"] = conf.Logging.PionLevel
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

// DefaultDeviceID derives a device id that is stable for a user on one host.
func DefaultDeviceID(userID string) string {
	host, _ := os.Hostname()
	sum := sha256.Sum256([]byte(userID + "|" + host))
	return "CALLCORE" + strings.ToUpper(base62.EncodeToString(sum[:6]))
}

// Validate checks what a session needs and loads the access token file.
func (conf *Config) Validate() error {
	if conf.Homeserver.URL == "" {
		return ErrHomeserverNotSet
	}
	if conf.Homeserver.UserID == "" {
		return ErrUserNotSet
	}
	if conf.Call.Room == "" {
		return ErrRoomNotSet
	}
	for _, t := range conf.Transports {
		if !t.IsValid() {
			return errors.Wrapf(ErrInvalidTransport, "transport %q", t.String())
		}
	}

	// prefer the token file if set
	if conf.Homeserver.AccessTokenFile != "" {
		var otherFilter os.FileMode = 0o007
		if st, err := os.Stat(conf.Homeserver.AccessTokenFile); err != nil {
			return err
		} else if st.Mode().Perm()&otherFilter != 0o000 {
			return ErrTokenFilePerms
		}
		token, err := os.ReadFile(conf.Homeserver.AccessTokenFile)
		if err != nil {
			return err
		}
		conf.Homeserver.AccessToken = strings.TrimSpace(string(token))
	}
	if conf.Homeserver.AccessToken == "" {
		return ErrAccessTokenNotSet
	}
	return nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("%s_%s", envPrefix, strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
				break
			}
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map, reflect.Struct:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
				break
			}
			configValue.SetInt(c.Int64(flagName))
		case reflect.Int, reflect.Int32:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("room") {
		conf.Call.Room = c.String("room")
	}
	if c.IsSet("access-token-file") {
		conf.Homeserver.AccessTokenFile = c.String("access-token-file")
	}
	if c.IsSet("transport") {
		transports, err := ParseTransports(c.StringSlice("transport"))
		if err != nil {
			return err
		}
		conf.Transports = transports
	}
	return nil
}

// ParseTransports reads transports given as "<service_url>" or
// "<service_url>#<alias>".
func ParseTransports(values []string) ([]types.Transport, error) {
	transports := make([]types.Transport, 0, len(values))
	for _, v := range values {
		serviceURL, alias, _ := strings.Cut(v, "#")
		t := types.Transport{ServiceURL: strings.TrimSpace(serviceURL), Alias: strings.TrimSpace(alias)}
		if !t.IsValid() {
			return nil, errors.Wrapf(ErrInvalidTransport, "could not parse transport %q", v)
		}
		transports = append(transports, t)
	}
	return transports, nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "callcore")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "callcore")
}
