package infra

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// DefaultLivePath is where the assistant reads its settings, relative to the invoking user's home.
const DefaultLivePath = "~/.claude/settings.json"

// wireDocument is the on-disk shape of the live settings file.
type wireDocument struct {
	Permissions wirePermissions       `json:"permissions"`
	MCPServers  map[string]wireServer `json:"mcpServers"`
}

type wirePermissions struct {
	AdditionalDirectories []string `json:"additionalDirectories"`
	Deny                  []string `json:"deny"`
}

type wireServer struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// LiveConfigFile implements domain.LiveConfig over the assistant's settings file.
type LiveConfigFile struct {
	path string
	fs   domain.FileSystemManager
}

// NewLiveConfig creates a live config at path; a leading ~ expands to the fs home.
func NewLiveConfig(path string, fs domain.FileSystemManager) *LiveConfigFile {
	return &LiveConfigFile{path: fs.ExpandHome(path), fs: fs}
}

// Path returns the live configuration path.
func (c *LiveConfigFile) Path() string {
	return c.path
}

// ReadRaw returns the file with comments and trailing commas stripped.
func (c *LiveConfigFile) ReadRaw() ([]byte, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigurationMissing, c.path)
		}
		return nil, fmt.Errorf("read %s: %w", c.path, err)
	}
	return jsonc.ToJSON(data), nil
}

// Read parses the live file.
func (c *LiveConfigFile) Read() (*domain.PolicyDocument, error) {
	raw, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConfigurationCorrupt, c.path, err)
	}
	return doc, nil
}

// Encode serializes doc with two-space indent and a trailing newline.
// Map keys are sorted by encoding/json, so equal documents encode to equal bytes.
func (c *LiveConfigFile) Encode(doc domain.PolicyDocument) ([]byte, error) {
	return encodeDocument(doc)
}

// Write replaces the live file wholesale (0600, parent 0700).
func (c *LiveConfigFile) Write(doc domain.PolicyDocument) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	if err := c.fs.WriteFileAtomic(c.path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	return nil
}

func encodeDocument(doc domain.PolicyDocument) ([]byte, error) {
	w := wireDocument{
		Permissions: wirePermissions{
			AdditionalDirectories: nonNil(doc.AllowedDirectories),
			Deny:                  nonNil(doc.DeniedPaths),
		},
		MCPServers: make(map[string]wireServer, len(doc.AuxiliaryServices)),
	}
	for name, svc := range doc.AuxiliaryServices {
		w.MCPServers[name] = wireServer{Command: svc.Command, Args: nonNil(svc.Args)}
	}

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode policy document: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeDocument parses comment-free JSON into a PolicyDocument.
func decodeDocument(raw []byte) (*domain.PolicyDocument, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty document")
	}
	var w wireDocument
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	doc := &domain.PolicyDocument{
		AllowedDirectories: w.Permissions.AdditionalDirectories,
		DeniedPaths:        w.Permissions.Deny,
		AuxiliaryServices:  make(map[string]domain.ServiceDescriptor, len(w.MCPServers)),
	}
	for name, s := range w.MCPServers {
		doc.AuxiliaryServices[name] = domain.ServiceDescriptor{Command: s.Command, Args: s.Args}
	}
	return doc, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Ensure LiveConfigFile implements domain.LiveConfig.
var _ domain.LiveConfig = (*LiveConfigFile)(nil)
