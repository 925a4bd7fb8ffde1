package config

import (
	"bufio"
	"io"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
)

// ServerProperties holds the settings the demo echo server needs to stand
// up a conn.Connection-backed listener: where to bind and whether to speak
// TLS on that listener. SyncTimeoutMs and DebugMode are parsed but the echo
// server does not read them.
type ServerProperties struct {
	Address       string `cfg:"address" yaml:"address"`
	EnableTLS     bool   `cfg:"enabletls" yaml:"enableTLS"`
	TLSCertFile   string `cfg:"tlscertfile" yaml:"tlsCertFile"`
	TLSKeyFile    string `cfg:"tlskeyfile" yaml:"tlsKeyFile"`
	TLSCAFile     string `cfg:"tlscafile" yaml:"tlsCAFile"`
	TLSDHParams   string `cfg:"tlsdhparamsfile" yaml:"tlsDHParamsFile"`
	SyncTimeoutMs int64  `cfg:"synctimeoutms" yaml:"syncTimeoutMs"`
	DebugMode     bool   `cfg:"debugmode" yaml:"debugMode"`
}

var Properties *ServerProperties

func init() {
	Properties = &ServerProperties{
		Address:       ":6380",
		EnableTLS:     false,
		SyncTimeoutMs: 5000,
		DebugMode:     true,
	}
}

func parse(reader io.Reader) *ServerProperties {
	configs := Properties
	cfgMap := make(map[string]string)
	scanner := bufio.NewScanner(reader)
	// scan config file
	for scanner.Scan() {
		line := scanner.Text()
		// skip comments
		if len(line) > 0 && line[0] == '#' {
			continue
		}
		// get gap between key and value
		idx := strings.IndexAny(line, " ")
		if idx > 0 && idx < len(line)-1 {
			key := line[0:idx]
			value := strings.Trim(line[idx+1:], " ")
			// put key value into temp map
			cfgMap[strings.ToLower(key)] = value
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalln(err)
	}

	t := reflect.TypeOf(configs)
	v := reflect.ValueOf(configs)
	n := t.Elem().NumField()
	for i := 0; i < n; i++ {
		// use reflection to get fields
		field := t.Elem().Field(i)
		fieldValue := v.Elem().Field(i)
		key, ok := field.Tag.Lookup("cfg")
		if !ok {
			key = field.Name
		}
		value, ok := cfgMap[strings.ToLower(key)]
		if !ok {
			continue
		}
		switch field.Type.Kind() {
		case reflect.String:
			fieldValue.SetString(value)
		case reflect.Int64:
			num, err := strconv.ParseInt(value, 10, 64)
			if err == nil {
				fieldValue.SetInt(num)
			}
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(value)
			if err == nil {
				fieldValue.SetBool(boolVal)
			}
		}
	}
	return configs
}

func parseYAML(file *os.File) *ServerProperties {
	configs := Properties
	data, err := io.ReadAll(file)
	if err != nil {
		panic(err)
	}
	if err := yaml.Unmarshal(data, configs); err != nil {
		panic(err)
	}
	return configs
}

// LoadConfigs reads either a YAML file (".yaml"/".yml") or the legacy
// "key value" conf format and installs the result as Properties.
func LoadConfigs(configFilePath string) {
	file, err := os.Open(configFilePath)
	if err != nil {
		panic(err)
	}
	defer file.Close()

	if strings.HasSuffix(configFilePath, ".yaml") || strings.HasSuffix(configFilePath, ".yml") {
		Properties = parseYAML(file)
		return
	}
	Properties = parse(file)
}
