package config

//
// Parse tunnel configuration files.
//
// Two formats are supported. The wg-quick format is an INI file with an
// [Interface] section describing our side and a single [Peer] section:
//
// ```
// [Interface]
// PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=
// Address = 10.0.0.2/32, fd00::2/128
// DNS = 10.0.0.1
//
// [Peer]
// PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
// Endpoint = vpn.example.com:51820
// AllowedIPs = 0.0.0.0/0, ::/0
// PersistentKeepalive = 25
// ```
//
// Following wg-quick, the interface is named after the file. Keys only
// understood by wg-quick scripts (PostUp, Table, ...) are ignored with a
// warning. The YAML format maps the [Options] fields one to one.
//

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/gamavpn/wgtunnel/internal/model"
	"gopkg.in/yaml.v3"
)

// ErrBadConfigFile is returned for config files we cannot parse.
var ErrBadConfigFile = fmt.Errorf("%w: bad config file", model.ErrConfigInvalid)

const (
	sectionNone      = ""
	sectionInterface = "interface"
	sectionPeer      = "peer"
)

// LoadFile reads a YAML file when the extension is .yaml or .yml, and a
// wg-quick file otherwise.
func LoadFile(path string) (*Options, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ReadYAMLFile(path)
	default:
		return ReadConfigFile(path)
	}
}

// ReadYAMLFile parses a YAML file into [Options]. Unknown fields are errors.
func ReadYAMLFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	opts := &Options{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(opts); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfigFile, err)
	}
	return opts, nil
}

// ReadConfigFile parses a wg-quick file into [Options].
func ReadConfigFile(path string) (*Options, error) {
	lines, err := getLinesFromFile(path)
	if err != nil {
		return nil, err
	}
	opts, err := getOptionsFromLines(lines)
	if err != nil {
		return nil, err
	}
	if opts.InterfaceName == "" {
		opts.InterfaceName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return opts, nil
}

func parseList(v string, o *[]string) error {
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*o = append(*o, item)
		}
	}
	return nil
}

func parseInt(v string, o *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*o = n
	return nil
}

func parseString(v string, o *string) error {
	*o = v
	return nil
}

// parseKeepalive accepts "off" like wg(8) does.
func parseKeepalive(v string, o *int) error {
	if strings.EqualFold(v, "off") {
		*o = 0
		return nil
	}
	return parseInt(v, o)
}

// parseOption applies key = value from section to o.
func parseOption(o *Options, section, key, value string, lineno int) error {
	var err error
	switch section + "." + strings.ToLower(key) {
	case "interface.privatekey":
		err = parseString(value, &o.PrivateKey)
	case "interface.address":
		err = parseList(value, &o.Addresses)
	case "interface.dns":
		err = parseList(value, &o.DNS)
	case "interface.mtu":
		err = parseInt(value, &o.MTU)
	case "interface.listenport":
		err = parseInt(value, &o.ListenPort)
	case "peer.publickey":
		err = parseString(value, &o.PeerPublicKey)
	case "peer.presharedkey":
		err = parseString(value, &o.PresharedKey)
	case "peer.endpoint":
		err = parseString(value, &o.Endpoint)
	case "peer.allowedips":
		err = parseList(value, &o.AllowedIPs)
	case "peer.persistentkeepalive":
		err = parseKeepalive(value, &o.PersistentKeepalive)
	default:
		log.Warnf("config: ignoring unsupported key %q in line %d", key, lineno+1)
	}
	if err != nil {
		return fmt.Errorf("%w: line %d: %s: %s", ErrBadConfigFile, lineno+1, key, err)
	}
	return nil
}

// getOptionsFromLines parses the lines of a wg-quick file.
func getOptionsFromLines(lines []string) (*Options, error) {
	opt := &Options{}
	section := sectionNone
	peers := 0

	for lineno, l := range lines {
		if i := strings.IndexAny(l, "#;"); i >= 0 {
			l = l[:i]
		}
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}

		if strings.HasPrefix(l, "[") && strings.HasSuffix(l, "]") {
			section = strings.ToLower(strings.TrimSpace(l[1 : len(l)-1]))
			switch section {
			case sectionInterface:
			case sectionPeer:
				peers++
				if peers > 1 {
					return nil, fmt.Errorf("%w: line %d: only one peer is supported", ErrBadConfigFile, lineno+1)
				}
			default:
				return nil, fmt.Errorf("%w: line %d: unknown section %q", ErrBadConfigFile, lineno+1, section)
			}
			continue
		}

		key, value, found := strings.Cut(l, "=")
		if !found {
			return nil, fmt.Errorf("%w: line %d: expected key = value", ErrBadConfigFile, lineno+1)
		}
		if section == sectionNone {
			return nil, fmt.Errorf("%w: line %d: key outside of a section", ErrBadConfigFile, lineno+1)
		}
		if e := parseOption(opt, section, strings.TrimSpace(key), strings.TrimSpace(value), lineno); e != nil {
			return nil, e
		}
	}
	if peers == 0 {
		return nil, fmt.Errorf("%w: missing [Peer] section", ErrBadConfigFile)
	}
	return opt, nil
}

// getLinesFromFile accepts a path parameter, and return a string array with
// its content and an error if the operation cannot be completed.
func getLinesFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

