package config

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"
)

// fileDocument mirrors the on-disk YAML shape for the file-backed Query.
type fileDocument struct {
	Endpoint string `yaml:"endpoint"`
	TLS      struct {
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`
	Devices []struct {
		ID         string `yaml:"id"`
		CertFile   string `yaml:"cert_file"`
		CloudToken string `yaml:"cloud_token"`
		Sources    []struct {
			ID            string `yaml:"id"`
			URI           string `yaml:"uri"`
			User          string `yaml:"user"`
			Password      string `yaml:"password"`
			CloudMaxBytes uint64 `yaml:"cloud_max_bytes"`
		} `yaml:"sources"`
	} `yaml:"devices"`
	Users []struct {
		Name         string `yaml:"name"`
		Algo         string `yaml:"algo"`
		Salt         string `yaml:"salt"`
		ExpectedHash string `yaml:"expected_hash"`
		Allowed      []struct {
			Device string `yaml:"device"`
			Source string `yaml:"source"`
		} `yaml:"allowed"`
	} `yaml:"users"`
}

// FileQuery is a Query implementation backed by a single YAML file, loaded
// once at construction. It is read-only from the core's perspective;
// picking up edits requires a process restart.
type FileQuery struct {
	endpoint string
	tls      ServerTLS
	devices  map[DeviceID]*Device
	users    map[UserName]*User
}

// LoadFileQuery reads and parses a YAML configuration file.
func LoadFileQuery(path string) (*FileQuery, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError(path, err.Error())
	}

	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, NewConfigError(path, "invalid yaml: "+err.Error())
	}

	q := &FileQuery{
		endpoint: doc.Endpoint,
		devices:  make(map[DeviceID]*Device, len(doc.Devices)),
		users:    make(map[UserName]*User, len(doc.Users)),
	}

	if doc.TLS.CertFile != "" {
		cert, err := os.ReadFile(doc.TLS.CertFile)
		if err != nil {
			return nil, NewConfigError("tls.cert_file", err.Error())
		}
		key, err := os.ReadFile(doc.TLS.KeyFile)
		if err != nil {
			return nil, NewConfigError("tls.key_file", err.Error())
		}
		q.tls = ServerTLS{CertPEM: cert, KeyPEM: key}
	}

	for _, dd := range doc.Devices {
		certPEM, err := os.ReadFile(dd.CertFile)
		if err != nil {
			return nil, NewConfigError("devices."+dd.ID+".cert_file", err.Error())
		}
		dev := &Device{
			ID:            DeviceID(dd.ID),
			ClientCertPEM: certPEM,
			CloudToken:    dd.CloudToken,
		}
		for _, ds := range dd.Sources {
			dev.Sources = append(dev.Sources, Source{
				ID:            SourceID(ds.ID),
				URI:           ds.URI,
				User:          ds.User,
				Password:      ds.Password,
				CloudMaxBytes: ds.CloudMaxBytes,
			})
		}
		q.devices[dev.ID] = dev
	}

	for _, du := range doc.Users {
		algo := PasswordSHA256
		if du.Algo == "sha1" {
			algo = PasswordSHA1
		}
		u := &User{
			Name:         UserName(du.Name),
			Algo:         algo,
			Salt:         []byte(du.Salt),
			ExpectedHash: []byte(du.ExpectedHash),
			Allowed:      make(map[SourceKey]struct{}, len(du.Allowed)),
		}
		for _, a := range du.Allowed {
			u.Allowed[SourceKey{Device: DeviceID(a.Device), Source: SourceID(a.Source)}] = struct{}{}
		}
		q.users[u.Name] = u
	}

	return q, nil
}

func (q *FileQuery) Device(_ context.Context, id DeviceID) (*Device, error) {
	d, ok := q.devices[id]
	if !ok {
		return nil, &ErrDeviceUnknown{Device: id}
	}
	cp := *d
	return &cp, nil
}

func (q *FileQuery) Sources(ctx context.Context, id DeviceID) ([]Source, error) {
	d, err := q.Device(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Sources, nil
}

func (q *FileQuery) User(_ context.Context, name UserName) (*User, error) {
	u, ok := q.users[name]
	if !ok {
		return nil, &ErrUserUnknown{User: name}
	}
	return u, nil
}

func (q *FileQuery) Authorized(ctx context.Context, name UserName, device DeviceID, source SourceID) (bool, error) {
	u, err := q.User(ctx, name)
	if err != nil {
		return false, err
	}
	return u.CanPlay(device, source), nil
}

func (q *FileQuery) ServerEndpoint(context.Context) (string, error) {
	if q.endpoint == "" {
		return "", NewConfigError("endpoint", "not configured")
	}
	return q.endpoint, nil
}

func (q *FileQuery) ServerTLS(context.Context) (*ServerTLS, error) {
	if len(q.tls.CertPEM) == 0 {
		return nil, NewConfigError("tls", "not configured")
	}
	t := q.tls
	return &t, nil
}

func (q *FileQuery) TrustedClientCerts(context.Context) ([][]byte, error) {
	out := make([][]byte, 0, len(q.devices))
	for _, d := range q.devices {
		out = append(out, d.ClientCertPEM)
	}
	return out, nil
}
