package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/provflow/internal/dataflow"
)

const (
	sqlIdentifyNode    = `SELECT NodeID FROM Node WHERE NodeName = ? ORDER BY NodeID LIMIT 1`
	sqlIdentifyTopNode = `SELECT NodeID FROM Node WHERE ParentNodeID IS NULL ORDER BY NodeID LIMIT 1`
	sqlIdentifyParent  = `SELECT ParentNodeID FROM Node WHERE NodeID = ?`
)

// NodeStepCount is the number of steps a node has taken.
type NodeStepCount struct {
	Node  string `json:"node"`
	Steps int64  `json:"steps"`
}

// ResourceEntry is a resource published by a node below the top workflow.
type ResourceEntry struct {
	URI         string  `json:"uri"`
	Value       *string `json:"value,omitempty"`
	IsReference bool    `json:"is_reference"`
}

// Line renders the entry as "<uri>: <value>" with the value collapsed onto
// one line. References render as the bare URI.
func (r ResourceEntry) Line() string {
	if r.IsReference {
		return r.URI
	}
	if r.Value == nil {
		return r.URI + ": null"
	}
	return r.URI + ": " + dataflow.SingleLine(*r.Value)
}

// NodeInfo describes a visible node.
type NodeInfo struct {
	ID          int64  `json:"id"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	Name        string `json:"name"`
	LocalName   string `json:"local_name"`
	HasChildren bool   `json:"has_children"`
}

// OutflowInfo describes an outflow of a visible node.
type OutflowInfo struct {
	NodeName      string `json:"node_name"`
	LocalNodeName string `json:"local_node_name"`
	PortName      string `json:"port_name"`
	URITemplate   string `json:"uri_template"`
}

// ChannelInfo describes a channel between two visible nodes.
type ChannelInfo struct {
	SendingNode        string `json:"sending_node"`
	SendingLocalNode   string `json:"sending_local_node"`
	SendingPort        string `json:"sending_port"`
	SendingTemplate    string `json:"sending_template"`
	ReceivingNode      string `json:"receiving_node"`
	ReceivingLocalNode string `json:"receiving_local_node"`
	ReceivingPort      string `json:"receiving_port"`
	ReceivingTemplate  string `json:"receiving_template"`
}

// IdentifyNode returns the ID of the node with the qualified name.
func (t *Trace) IdentifyNode(ctx context.Context, name string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identifyNode(ctx, name)
}

func (t *Trace) identifyNode(ctx context.Context, name string) (int64, error) {
	s, err := t.prepared(ctx, sqlIdentifyNode)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.QueryRowContext(ctx, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dataflow.NewTraceConsistencyError("node '%s' not found in trace", name)
	}
	if err != nil {
		return 0, fmt.Errorf("identify node %q: %w", name, err)
	}
	return id, nil
}

// IdentifyTopNode returns the ID of the node that has no parent.
func (t *Trace) IdentifyTopNode(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identifyTopNode(ctx)
}

func (t *Trace) identifyTopNode(ctx context.Context) (int64, error) {
	s, err := t.prepared(ctx, sqlIdentifyTopNode)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.QueryRowContext(ctx).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dataflow.NewTraceConsistencyError("top node not found in trace")
	}
	if err != nil {
		return 0, fmt.Errorf("identify top node: %w", err)
	}
	return id, nil
}

// NodeParentID returns the parent of nodeID. ok is false for the top node.
func (t *Trace) NodeParentID(ctx context.Context, nodeID int64) (parent int64, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodeParentID(ctx, nodeID)
}

func (t *Trace) nodeParentID(ctx context.Context, nodeID int64) (int64, bool, error) {
	if p, ok := t.parents[nodeID]; ok {
		return p, true, nil
	}
	s, err := t.prepared(ctx, sqlIdentifyParent)
	if err != nil {
		return 0, false, err
	}
	var parent sql.NullInt64
	err = s.QueryRowContext(ctx, nodeID).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, dataflow.NewTraceConsistencyError("node %d not found in trace", nodeID)
	}
	if err != nil {
		return 0, false, fmt.Errorf("identify node parent: %w", err)
	}
	if !parent.Valid {
		return 0, false, nil
	}
	t.parents[nodeID] = parent.Int64
	return parent.Int64, true, nil
}

// RowCount returns the number of rows in table.
func (t *Trace) RowCount(ctx context.Context, table string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", table, err)
	}
	return n, nil
}

// WorkflowNodesProlog renders one rf_node fact per node, ordered by name.
func (t *Trace) WorkflowNodesProlog(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	err := t.each(ctx, `SELECT NodeName FROM Node ORDER BY NodeName, NodeID`, func(rows *sql.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Fprintf(&b, "rf_node(['%s']).\n", strings.ReplaceAll(name, ".", "','"))
		return nil
	})
	return b.String(), err
}

// PortsProlog renders one rf_port fact per port.
func (t *Trace) PortsProlog(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.portsProlog(ctx)
}

func (t *Trace) portsProlog(ctx context.Context) (string, error) {
	var b strings.Builder
	err := t.each(ctx, `
		SELECT NodeName, PortName, PortDirection
		FROM Port JOIN Node ON Port.NodeID = Node.NodeID
		ORDER BY NodeName, PortName, PortID`, func(rows *sql.Rows) error {
		var node, port, dir string
		if err := rows.Scan(&node, &port, &dir); err != nil {
			return err
		}
		direction := "out"
		if dir == string(VariableInput) {
			direction = "in"
		}
		fmt.Fprintf(&b, "rf_port('%s','%s',%s).\n", node, port, direction)
		return nil
	})
	return b.String(), err
}

// ChannelsProlog renders each channel as a pair of rf_link facts sharing a
// synthetic edge name e1, e2, ... in channel order.
func (t *Trace) ChannelsProlog(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channelsProlog(ctx)
}

func (t *Trace) channelsProlog(ctx context.Context) (string, error) {
	var b strings.Builder
	edges := 0
	err := t.each(ctx, `
		SELECT SourceNode.NodeName, SourcePort.PortName, SinkNode.NodeName, SinkPort.PortName
		FROM Node AS SourceNode
			JOIN Port AS SourcePort ON SourceNode.NodeID = SourcePort.NodeID
			JOIN Channel ON SourcePort.PortID = Channel.OutPortID
			JOIN Port AS SinkPort ON Channel.InPortID = SinkPort.PortID
			JOIN Node AS SinkNode ON SinkPort.NodeID = SinkNode.NodeID
		ORDER BY SourceNode.NodeName, SourcePort.PortName, SinkNode.NodeName, SinkPort.PortName`,
		func(rows *sql.Rows) error {
			var srcNode, srcPort, sinkNode, sinkPort string
			if err := rows.Scan(&srcNode, &srcPort, &sinkNode, &sinkPort); err != nil {
				return err
			}
			edges++
			fmt.Fprintf(&b, "rf_link('%s','%s',e%d).\n", srcNode, srcPort, edges)
			fmt.Fprintf(&b, "rf_link('%s','%s',e%d).\n", sinkNode, sinkPort, edges)
			return nil
		})
	return b.String(), err
}

// WorkflowGraphProlog renders nodes, ports, and channels separated by
// blank lines.
func (t *Trace) WorkflowGraphProlog(ctx context.Context) (string, error) {
	nodes, err := t.WorkflowNodesProlog(ctx)
	if err != nil {
		return "", err
	}
	ports, err := t.PortsProlog(ctx)
	if err != nil {
		return "", err
	}
	channels, err := t.ChannelsProlog(ctx)
	if err != nil {
		return "", err
	}
	return nodes + "\n" + ports + "\n" + channels, nil
}

// DataEventsProlog renders one rf_event fact per resource moved by a port
// event that belongs to a step.
func (t *Trace) DataEventsProlog(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	err := t.each(ctx, `
		SELECT NodeName, StepNumber, PortName, EventClass, Uri
		FROM Node
			JOIN Port ON Node.NodeID = Port.NodeID
			JOIN PortEvent ON Port.PortID = PortEvent.PortID
			JOIN Packet ON PortEvent.PacketID = Packet.PacketID
			JOIN PacketResource ON Packet.PacketID = PacketResource.PacketID
			JOIN Resource ON PacketResource.ResourceID = Resource.ResourceID
			JOIN Step ON PortEvent.StepID = Step.StepID
		ORDER BY NodeName, StepNumber, PortName, EventClass, PortEventID, Resource.ResourceID`,
		func(rows *sql.Rows) error {
			var node, port, class string
			var step int64
			var u sql.NullString
			if err := rows.Scan(&node, &step, &port, &class, &u); err != nil {
				return err
			}
			fmt.Fprintf(&b, "rf_event(%s,'%s','%d','%s','%s').\n", class, node, step, port, nullText(u))
			return nil
		})
	return b.String(), err
}

// MetadataEventsProlog renders one rf_event fact per metadata entry of a
// packet moved by a port event that belongs to a step. The port is written
// as port@key.
func (t *Trace) MetadataEventsProlog(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	err := t.each(ctx, `
		SELECT NodeName, StepNumber, PortName, EventClass, PacketMetadata."Key", Data.Value
		FROM Node
			JOIN Port ON Node.NodeID = Port.NodeID
			JOIN PortEvent ON Port.PortID = PortEvent.PortID
			JOIN Packet ON PortEvent.PacketID = Packet.PacketID
			JOIN PacketResource ON Packet.PacketID = PacketResource.PacketID
			JOIN Resource ON PacketResource.ResourceID = Resource.ResourceID
			JOIN PacketMetadata ON Packet.PacketID = PacketMetadata.PacketID
			JOIN Data ON PacketMetadata.DataID = Data.DataID
			JOIN Step ON PortEvent.StepID = Step.StepID
		ORDER BY NodeName, StepNumber, PortName, EventClass, PortEventID, Resource.ResourceID, MetadataID`,
		func(rows *sql.Rows) error {
			var node, port, class, key string
			var step int64
			var value sql.NullString
			if err := rows.Scan(&node, &step, &port, &class, &key, &value); err != nil {
				return err
			}
			fmt.Fprintf(&b, "rf_event(%s,'%s','%d','%s@%s','%s').\n", class, node, step, port, key, nullText(value))
			return nil
		})
	return b.String(), err
}

// PortEventsProlog renders data events followed by metadata events.
func (t *Trace) PortEventsProlog(ctx context.Context) (string, error) {
	data, err := t.DataEventsProlog(ctx)
	if err != nil {
		return "", err
	}
	meta, err := t.MetadataEventsProlog(ctx)
	if err != nil {
		return "", err
	}
	return data + meta, nil
}

// StepEventsProlog renders one rf_step fact per step in the order steps
// started.
func (t *Trace) StepEventsProlog(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	err := t.each(ctx, `
		SELECT NodeName, StepNumber
		FROM Node JOIN Step ON Node.NodeID = Step.NodeID
		ORDER BY StepID`, func(rows *sql.Rows) error {
		var node string
		var step int64
		if err := rows.Scan(&node, &step); err != nil {
			return err
		}
		fmt.Fprintf(&b, "rf_step('%s','%d').\n", node, step)
		return nil
	})
	return b.String(), err
}

// NodeStepCounts returns the step counts of visible nodes ordered by name.
func (t *Trace) NodeStepCounts(ctx context.Context) ([]NodeStepCount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := []NodeStepCount{}
	err := t.each(ctx, `SELECT NodeName, StepCount FROM Node WHERE IsHidden = 0 ORDER BY NodeName, NodeID`,
		func(rows *sql.Rows) error {
			var c NodeStepCount
			if err := rows.Scan(&c.Node, &c.Steps); err != nil {
				return err
			}
			counts = append(counts, c)
			return nil
		})
	return counts, err
}

// NodeStepCountsYAML renders step counts as "<node>: <count>" lines.
func (t *Trace) NodeStepCountsYAML(ctx context.Context) (string, error) {
	counts, err := t.NodeStepCounts(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range counts {
		fmt.Fprintf(&b, "%s: %d\n", c.Node, c.Steps)
	}
	return b.String(), nil
}

// Resources returns the resources published by nodes below the top
// workflow, ordered by URI.
func (t *Trace) Resources(ctx context.Context) ([]ResourceEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := []ResourceEntry{}
	err := t.each(ctx, `
		SELECT Resource.Uri, Data.Value, Data.IsReference
		FROM Data
			JOIN Resource ON Resource.DataID = Data.DataID
			JOIN PacketResource ON PacketResource.ResourceID = Resource.ResourceID
			JOIN Packet ON Packet.PacketID = PacketResource.PacketID
			JOIN PortEvent ON PortEvent.PortEventID = Packet.OriginEventID
			JOIN Step ON Step.StepID = PortEvent.StepID
			JOIN Port ON Port.PortID = PortEvent.PortID
			JOIN Node ON Node.NodeID = Port.NodeID
		WHERE Node.ParentNodeID IS NOT NULL
		ORDER BY Resource.Uri, Resource.ResourceID`, func(rows *sql.Rows) error {
		var u, value sql.NullString
		var e ResourceEntry
		if err := rows.Scan(&u, &value, &e.IsReference); err != nil {
			return err
		}
		e.URI = u.String
		if value.Valid {
			v := value.String
			e.Value = &v
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// ResourcesYAML renders Resources one entry per line.
func (t *Trace) ResourcesYAML(ctx context.Context) (string, error) {
	entries, err := t.Resources(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Line())
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Nodes returns the visible children of parentID, or the top nodes when
// parentID is nil.
func (t *Trace) Nodes(ctx context.Context, parentID *int64) ([]NodeInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	query, args := scoped(`
		SELECT NodeID, ParentNodeID, NodeName, LocalNodeName, HasChildren
		FROM Node
		WHERE IsHidden = 0`, "ParentNodeID", parentID, "NodeID")
	nodes := []NodeInfo{}
	err := t.each(ctx, query, func(rows *sql.Rows) error {
		var n NodeInfo
		var parent sql.NullInt64
		if err := rows.Scan(&n.ID, &parent, &n.Name, &n.LocalName, &n.HasChildren); err != nil {
			return err
		}
		if parent.Valid {
			n.ParentID = int64Ptr(parent.Int64)
		}
		nodes = append(nodes, n)
		return nil
	}, args...)
	return nodes, err
}

// Outflows returns the outflows of the visible children of parentID.
func (t *Trace) Outflows(ctx context.Context, parentID *int64) ([]OutflowInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	query, args := scoped(`
		SELECT NodeName, LocalNodeName, PortName, UriTemplate
		FROM Port JOIN Node ON Port.NodeID = Node.NodeID
		WHERE PortDirection = 'o' AND Node.IsHidden = 0`, "ParentNodeID", parentID, "PortID")
	outflows := []OutflowInfo{}
	err := t.each(ctx, query, func(rows *sql.Rows) error {
		var o OutflowInfo
		var tmpl sql.NullString
		if err := rows.Scan(&o.NodeName, &o.LocalNodeName, &o.PortName, &tmpl); err != nil {
			return err
		}
		o.URITemplate = tmpl.String
		outflows = append(outflows, o)
		return nil
	}, args...)
	return outflows, err
}

const channelColumns = `
		SELECT SendingNode.NodeName, SendingNode.LocalNodeName, SendingPort.PortName, SendingPort.UriTemplate,
		       ReceivingNode.NodeName, ReceivingNode.LocalNodeName, ReceivingPort.PortName, ReceivingPort.UriTemplate`

// DirectChannels returns channels between visible nodes whose receiver is
// a child of parentID.
func (t *Trace) DirectChannels(ctx context.Context, parentID *int64) ([]ChannelInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directChannels(ctx, parentID)
}

func (t *Trace) directChannels(ctx context.Context, parentID *int64) ([]ChannelInfo, error) {
	query, args := scoped(channelColumns+`
		FROM Node AS ReceivingNode
			JOIN Port AS ReceivingPort ON ReceivingPort.NodeID = ReceivingNode.NodeID
			JOIN Channel ON Channel.InPortID = ReceivingPort.PortID
			JOIN Port AS SendingPort ON Channel.OutPortID = SendingPort.PortID
			JOIN Node AS SendingNode ON SendingPort.NodeID = SendingNode.NodeID
		WHERE SendingNode.IsHidden = 0 AND ReceivingNode.IsHidden = 0`,
		"ReceivingNode.ParentNodeID", parentID, "ReceivingPort.PortID, SendingPort.PortID")
	return t.channels(ctx, query, args)
}

// BufferedChannels returns channels that pass through a hidden buffer node
// on their way to a visible child of parentID.
func (t *Trace) BufferedChannels(ctx context.Context, parentID *int64) ([]ChannelInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufferedChannels(ctx, parentID)
}

func (t *Trace) bufferedChannels(ctx context.Context, parentID *int64) ([]ChannelInfo, error) {
	query, args := scoped(channelColumns+`
		FROM Node AS ReceivingNode
			JOIN Port AS ReceivingPort ON ReceivingPort.NodeID = ReceivingNode.NodeID
			JOIN Channel AS BufferChannel ON BufferChannel.InPortID = ReceivingPort.PortID
			JOIN Port AS BufferOutPort ON BufferOutPort.PortID = BufferChannel.OutPortID
			JOIN Node AS BufferNode ON BufferNode.NodeID = BufferOutPort.NodeID
			JOIN Port AS BufferInPort ON BufferInPort.NodeID = BufferNode.NodeID AND BufferInPort.PortDirection = 'i'
			JOIN Channel AS SenderChannel ON SenderChannel.InPortID = BufferInPort.PortID
			JOIN Port AS SendingPort ON SenderChannel.OutPortID = SendingPort.PortID
			JOIN Node AS SendingNode ON SendingPort.NodeID = SendingNode.NodeID
		WHERE ReceivingNode.IsHidden = 0 AND BufferNode.IsHidden = 1 AND SendingNode.IsHidden = 0`,
		"ReceivingNode.ParentNodeID", parentID, "ReceivingPort.PortID, SendingPort.PortID")
	return t.channels(ctx, query, args)
}

// Channels returns direct channels followed by buffered channels.
func (t *Trace) Channels(ctx context.Context, parentID *int64) ([]ChannelInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	direct, err := t.directChannels(ctx, parentID)
	if err != nil {
		return nil, err
	}
	buffered, err := t.bufferedChannels(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return append(direct, buffered...), nil
}

func (t *Trace) channels(ctx context.Context, query string, args []any) ([]ChannelInfo, error) {
	channels := []ChannelInfo{}
	err := t.each(ctx, query, func(rows *sql.Rows) error {
		var c ChannelInfo
		var sendTmpl, recvTmpl sql.NullString
		if err := rows.Scan(&c.SendingNode, &c.SendingLocalNode, &c.SendingPort, &sendTmpl,
			&c.ReceivingNode, &c.ReceivingLocalNode, &c.ReceivingPort, &recvTmpl); err != nil {
			return err
		}
		c.SendingTemplate, c.ReceivingTemplate = sendTmpl.String, recvTmpl.String
		channels = append(channels, c)
		return nil
	}, args...)
	return channels, err
}

// each runs query and calls fn for every row. Callers hold t.mu.
func (t *Trace) each(ctx context.Context, query string, fn func(*sql.Rows) error, args ...any) error {
	if t.closed {
		return errors.New("trace is closed")
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return fmt.Errorf("scan trace row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate trace rows: %w", err)
	}
	return nil
}

// scoped appends a parent filter and ordering to query.
func scoped(query, column string, parentID *int64, orderBy string) (string, []any) {
	var args []any
	if parentID == nil {
		query += " AND " + column + " IS NULL"
	} else {
		query += " AND " + column + " = ?"
		args = append(args, *parentID)
	}
	return query + " ORDER BY " + orderBy, args
}

func nullText(s sql.NullString) string {
	if !s.Valid {
		return "null"
	}
	return s.String
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
