package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	control "procctl-core/closed_loop/process_control"
	"procctl-core/utils"
)

// OPCUAConfig configures the OPC UA client backend. Tags map to string node
// ids "ns=<NamespaceIndex>;s=<tag>" unless Nodes overrides them. Servers that
// assign numeric ids need every tag listed in Nodes, e.g. "ns=2;i=2".
type OPCUAConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	NamespaceIndex uint16            `yaml:"namespace_index"`
	Nodes          map[string]string `yaml:"nodes"`
	Timeout        time.Duration     `yaml:"timeout"`
}

func DefaultOPCUAConfig() OPCUAConfig {
	return OPCUAConfig{
		Endpoint:       "opc.tcp://127.0.0.1:4840",
		NamespaceIndex: 2,
		Timeout:        2 * time.Second,
	}
}

// uaClient is the part of *opcua.Client the port uses.
type uaClient interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Close(ctx context.Context) error
}

// OPCUAPort reads and writes tags as variables of a remote OPC UA server.
type OPCUAPort struct {
	client uaClient
	nodes  map[string]*ua.NodeID
	cfg    OPCUAConfig
	log    *utils.Logger
}

// DialOPCUA connects anonymously without security.
func DialOPCUA(ctx context.Context, cfg OPCUAConfig, names []string, log *utils.Logger) (*OPCUAPort, error) {
	c, err := opcua.NewClient(cfg.Endpoint,
		opcua.SecurityMode(ua.MessageSecurityModeNone),
		opcua.SecurityPolicy(ua.SecurityPolicyURINone),
		opcua.RequestTimeout(cfg.Timeout),
		opcua.AutoReconnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("opcua client: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect %s: %w", cfg.Endpoint, err)
	}
	p, err := newOPCUAPort(c, cfg, names, log)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	log.Info("Telemetry on OPC UA %s ns=%d", cfg.Endpoint, cfg.NamespaceIndex)
	return p, nil
}

func newOPCUAPort(c uaClient, cfg OPCUAConfig, names []string, log *utils.Logger) (*OPCUAPort, error) {
	p := &OPCUAPort{client: c, nodes: make(map[string]*ua.NodeID, len(names)), cfg: cfg, log: log}
	for _, name := range names {
		id, err := nodeIDFor(cfg, name)
		if err != nil {
			return nil, err
		}
		p.nodes[name] = id
	}
	return p, nil
}

func nodeIDFor(cfg OPCUAConfig, name string) (*ua.NodeID, error) {
	if s, ok := cfg.Nodes[name]; ok {
		id, err := ua.ParseNodeID(s)
		if err != nil {
			return nil, fmt.Errorf("node id for %s: %w", name, err)
		}
		return id, nil
	}
	return ua.NewStringNodeID(cfg.NamespaceIndex, name), nil
}

func (p *OPCUAPort) node(name string) (*ua.NodeID, error) {
	id, ok := p.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrTagNotFound)
	}
	return id, nil
}

// ReadTag reads the Value attribute of the tag's node.
func (p *OPCUAPort) ReadTag(ctx context.Context, name string) (control.TagValue, error) {
	id, err := p.node(name)
	if err != nil {
		return control.TagValue{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		return control.TagValue{}, fmt.Errorf("opcua read %s: %w", id, err)
	}
	if len(resp.Results) != 1 {
		return control.TagValue{}, fmt.Errorf("opcua read %s: %d results", id, len(resp.Results))
	}
	r := resp.Results[0]
	if r.Status != ua.StatusOK {
		return control.TagValue{}, fmt.Errorf("opcua read %s: %w", id, r.Status)
	}
	return tagFromVariant(r.Value)
}

// WriteTag writes v to the Value attribute of the tag's node.
func (p *OPCUAPort) WriteTag(ctx context.Context, name string, v control.TagValue) error {
	id, err := p.node(name)
	if err != nil {
		return err
	}
	variant, err := variantFor(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: variant},
		}},
	})
	if err != nil {
		return fmt.Errorf("opcua write %s: %w", id, err)
	}
	if len(resp.Results) != 1 {
		return fmt.Errorf("opcua write %s: %d results", id, len(resp.Results))
	}
	if resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("opcua write %s: %w", id, resp.Results[0])
	}
	return nil
}

func (p *OPCUAPort) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}

// tagFromVariant accepts any numeric variant as a float tag.
func tagFromVariant(v *ua.Variant) (control.TagValue, error) {
	if v == nil {
		return control.TagValue{}, fmt.Errorf("%w: empty value", ErrTagType)
	}
	switch x := v.Value().(type) {
	case bool:
		return control.BoolTag(x), nil
	case float64:
		return control.FloatTag(x), nil
	case float32:
		return control.FloatTag(float64(x)), nil
	case int16:
		return control.FloatTag(float64(x)), nil
	case uint16:
		return control.FloatTag(float64(x)), nil
	case int32:
		return control.FloatTag(float64(x)), nil
	case uint32:
		return control.FloatTag(float64(x)), nil
	case int64:
		return control.FloatTag(float64(x)), nil
	case uint64:
		return control.FloatTag(float64(x)), nil
	default:
		return control.TagValue{}, fmt.Errorf("%w: unsupported variant %T", ErrTagType, x)
	}
}

func variantFor(v control.TagValue) (*ua.Variant, error) {
	switch v.Kind {
	case control.KindFloat:
		return ua.NewVariant(v.Float)
	case control.KindBool:
		return ua.NewVariant(v.Bool)
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrTagType, v.Kind)
	}
}
