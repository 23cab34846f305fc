package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provflow/internal/dataflow"
	"github.com/roach88/provflow/internal/graph"
)

// EventClass distinguishes port events.
type EventClass string

// Port event classes.
const (
	EventRead  EventClass = "r"
	EventWrite EventClass = "w"
)

// VariableClass distinguishes actor variables and port directions.
type VariableClass string

// Variable classes.
const (
	VariableInput  VariableClass = "i"
	VariableOutput VariableClass = "o"
)

// NodeRecord is a row of the Node table.
type NodeRecord struct {
	Name        string
	LocalName   string
	ParentID    *int64
	ActorID     *int64
	StepCount   int64
	Hidden      bool
	HasChildren bool
}

// StepRecord is a row of the Step table.
type StepRecord struct {
	NodeID       int64
	ParentStepID *int64
	StepNumber   int64
	UpdateCount  int64
	StartTime    time.Time
	EndTime      *time.Time
}

// PortEventRecord is a row of the PortEvent table.
type PortEventRecord struct {
	PortID   int64
	PacketID int64
	StepID   *int64
	Class    EventClass
	Number   int64
	Time     time.Time
}

const (
	sqlInsertActor         = `INSERT INTO Actor (ActorName) VALUES (?)`
	sqlInsertActorVariable = `INSERT INTO ActorVariable (ActorID, VariableName, VariableClass, DataTypeID) VALUES (?, ?, ?, ?)`
	sqlIdentifyActorVar    = `SELECT VariableID FROM ActorVariable WHERE ActorID = ? AND VariableName = ? AND VariableClass = ?`
	sqlInsertNode          = `INSERT INTO Node (NodeName, LocalNodeName, ParentNodeID, ActorID, StepCount, IsHidden, HasChildren) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlInsertNodeVariable  = `INSERT INTO NodeVariable (NodeID, ActorVariableID) VALUES (?, ?)`
	sqlInsertPort          = `INSERT INTO Port (PortName, NodeID, NodeVariableID, PortDirection, UriTemplate) VALUES (?, ?, ?, ?, ?)`
	sqlInsertChannel       = `INSERT INTO Channel (OutPortID, InPortID) VALUES (?, ?)`
	sqlInsertStep          = `INSERT INTO Step (NodeID, ParentStepID, StepNumber, UpdateCount, StartTime, EndTime) VALUES (?, ?, ?, ?, ?, ?)`
	sqlUpdateStepEnd       = `UPDATE Step SET EndTime = ? WHERE StepID = ?`
	sqlSelectStepCount     = `SELECT StepCount FROM Node WHERE NodeID = ?`
	sqlUpdateStepCount     = `UPDATE Node SET StepCount = ? WHERE NodeID = ?`
	sqlInsertPacket        = `INSERT INTO Packet (OriginEventID) VALUES (?)`
	sqlUpdatePacketOrigin  = `UPDATE Packet SET OriginEventID = ? WHERE PacketID = ?`
	sqlInsertPortEvent     = `INSERT INTO PortEvent (PortID, PacketID, StepID, EventClass, EventNumber, EventTime) VALUES (?, ?, ?, ?, ?, ?)`
	sqlUpdatePacketCount   = `UPDATE Port SET PacketCount = ? WHERE PortID = ?`
	sqlInsertData          = `INSERT INTO Data (Value, IsReference, DataTypeID) VALUES (?, ?, ?)`
	sqlInsertResource      = `INSERT INTO Resource (Uri, DataID) VALUES (?, ?)`
	sqlInsertPacketRes     = `INSERT INTO PacketResource (PacketID, ResourceID) VALUES (?, ?)`
	sqlInsertPacketMeta    = `INSERT INTO PacketMetadata (PacketID, "Key", DataID) VALUES (?, ?, ?)`
	sqlInsertDataType      = `INSERT INTO DataType (TypeName) VALUES (?)`
	sqlInsertDependency    = `INSERT INTO DependencyRule (ActorID, SourceVarID, TargetVarID, DependencyClass) VALUES (?, ?, ?, ?)`
	sqlInsertUpdate        = `INSERT INTO "Update" (NodeVariableID, DataID, StepID, UpdateNumber) VALUES (?, ?, ?, ?)`
	sqlIdentifyPort        = `SELECT PortID FROM Port WHERE PortName = ? AND NodeID = ? AND PortDirection = ?`
	sqlUnassociatedReads   = `SELECT PortEventID FROM PortEvent JOIN Port ON PortEvent.PortID = Port.PortID WHERE Port.NodeID = ? AND Port.PortDirection = 'i' AND PortEvent.StepID IS NULL ORDER BY PortEventID`
	sqlReconcileReads      = `UPDATE PortEvent SET StepID = ? WHERE StepID IS NULL AND PortID IN (SELECT PortID FROM Port WHERE NodeID = ? AND PortDirection = 'i')`
	sqlUpdateEventStep     = `UPDATE PortEvent SET StepID = ? WHERE PortEventID = ?`
)

// WritableTrace appends to a trace database. Every method takes the trace
// lock, so all writes of a run are totally ordered no matter how many
// goroutines report events. Identity caches are private to the instance.
type WritableTrace struct {
	*Trace

	structural map[graph.Kind]int64
	nodeIDs    map[dataflow.Node]int64
	inflowIDs  map[*dataflow.Inflow]int64
	outflowIDs map[*dataflow.Outflow]int64
}

func newWritableTrace(t *Trace) *WritableTrace {
	return &WritableTrace{
		Trace:      t,
		structural: make(map[graph.Kind]int64),
		nodeIDs:    make(map[dataflow.Node]int64),
		inflowIDs:  make(map[*dataflow.Inflow]int64),
		outflowIDs: make(map[*dataflow.Outflow]int64),
	}
}

// ReadOnly returns the read view of the same database.
func (w *WritableTrace) ReadOnly() *Trace { return w.Trace }

// InsertActor inserts an actor and returns its ID.
func (w *WritableTrace) InsertActor(ctx context.Context, name string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insertActor(ctx, name)
}

func (w *WritableTrace) insertActor(ctx context.Context, name string) (int64, error) {
	id, err := w.insert(ctx, sqlInsertActor, normText(name))
	if err != nil {
		return 0, fmt.Errorf("insert actor %q: %w", name, err)
	}
	return id, nil
}

// InsertActorVariable inserts a variable of actorID.
func (w *WritableTrace) InsertActorVariable(ctx context.Context, actorID int64, name string, class VariableClass, dataTypeID *int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insertActorVariable(ctx, actorID, name, class, dataTypeID)
}

func (w *WritableTrace) insertActorVariable(ctx context.Context, actorID int64, name string, class VariableClass, dataTypeID *int64) (int64, error) {
	id, err := w.insert(ctx, sqlInsertActorVariable, actorID, name, string(class), nullInt(dataTypeID))
	if err != nil {
		return 0, fmt.Errorf("insert actor variable %q: %w", name, err)
	}
	return id, nil
}

// IdentifyActorVariable looks up a variable of actorID by name and class.
func (w *WritableTrace) IdentifyActorVariable(ctx context.Context, actorID int64, name string, class VariableClass) (int64, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identifyActorVariable(ctx, actorID, name, class)
}

func (w *WritableTrace) identifyActorVariable(ctx context.Context, actorID int64, name string, class VariableClass) (int64, bool, error) {
	s, err := w.prepared(ctx, sqlIdentifyActorVar)
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = s.QueryRowContext(ctx, actorID, name, string(class)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("identify actor variable %q: %w", name, err)
	}
	return id, true, nil
}

// actorVariable returns the existing variable or inserts it.
func (w *WritableTrace) actorVariable(ctx context.Context, actorID int64, name string, class VariableClass) (int64, error) {
	id, ok, err := w.identifyActorVariable(ctx, actorID, name, class)
	if err != nil || ok {
		return id, err
	}
	return w.insertActorVariable(ctx, actorID, name, class, nil)
}

// InsertNode inserts a node row and returns its ID.
func (w *WritableTrace) InsertNode(ctx context.Context, n NodeRecord) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insertNode(ctx, n)
}

func (w *WritableTrace) insertNode(ctx context.Context, n NodeRecord) (int64, error) {
	id, err := w.insert(ctx, sqlInsertNode,
		normText(n.Name), normText(n.LocalName), nullInt(n.ParentID), nullInt(n.ActorID),
		n.StepCount, n.Hidden, n.HasChildren)
	if err != nil {
		return 0, fmt.Errorf("insert node %q: %w", n.Name, err)
	}
	if n.ParentID != nil {
		w.parents[id] = *n.ParentID
	}
	return id, nil
}

// InsertNodeVariable binds an actor variable to a node.
func (w *WritableTrace) InsertNodeVariable(ctx context.Context, nodeID, actorVariableID int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insertNodeVariable(ctx, nodeID, actorVariableID)
}

func (w *WritableTrace) insertNodeVariable(ctx context.Context, nodeID, actorVariableID int64) (int64, error) {
	id, err := w.insert(ctx, sqlInsertNodeVariable, nodeID, actorVariableID)
	if err != nil {
		return 0, fmt.Errorf("insert node variable: %w", err)
	}
	return id, nil
}

// InsertInflow inserts an input port. An empty template is stored as NULL.
func (w *WritableTrace) InsertInflow(ctx context.Context, name string, nodeID int64, nodeVariableID *int64, template string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insertPort(ctx, name, nodeID, nodeVariableID, VariableInput, template)
}

// InsertOutflow inserts an output port. An empty template is stored as NULL.
func (w *WritableTrace) InsertOutflow(ctx context.Context, name string, nodeID int64, nodeVariableID *int64, template string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insertPort(ctx, name, nodeID, nodeVariableID, VariableOutput, template)
}

func (w *WritableTrace) insertPort(ctx context.Context, name string, nodeID int64, nodeVariableID *int64, dir VariableClass, template string) (int64, error) {
	id, err := w.insert(ctx, sqlInsertPort, name, nodeID, nullInt(nodeVariableID), string(dir), normText(template))
	if err != nil {
		return 0, fmt.Errorf("insert port %q: %w", name, err)
	}
	return id, nil
}

// InsertChannel wires an output port to an input port.
func (w *WritableTrace) InsertChannel(ctx context.Context, outPortID, inPortID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insertChannel(ctx, outPortID, inPortID)
}

func (w *WritableTrace) insertChannel(ctx context.Context, outPortID, inPortID int64) error {
	if _, err := w.exec(ctx, sqlInsertChannel, outPortID, inPortID); err != nil {
		return fmt.Errorf("insert channel %d->%d: %w", outPortID, inPortID, err)
	}
	return nil
}

// InsertStep inserts a step row without touching the node's step count.
func (w *WritableTrace) InsertStep(ctx context.Context, s StepRecord) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.insert(ctx, sqlInsertStep, s.NodeID, nullInt(s.ParentStepID), s.StepNumber,
		s.UpdateCount, s.StartTime, nullTime(s.EndTime))
	if err != nil {
		return 0, fmt.Errorf("insert step for node %d: %w", s.NodeID, err)
	}
	return id, nil
}

// UpdateStepEnd sets the end time of a step.
func (w *WritableTrace) UpdateStepEnd(ctx context.Context, stepID int64, end time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	res, err := w.exec(ctx, sqlUpdateStepEnd, end, stepID)
	if err != nil {
		return fmt.Errorf("update step %d end: %w", stepID, err)
	}
	return requireRow(res, "step %d not found in trace", stepID)
}

// StepCount returns the recorded step count of a node.
func (w *WritableTrace) StepCount(ctx context.Context, nodeID int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stepCount(ctx, nodeID)
}

func (w *WritableTrace) stepCount(ctx context.Context, nodeID int64) (int64, error) {
	s, err := w.prepared(ctx, sqlSelectStepCount)
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.QueryRowContext(ctx, nodeID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dataflow.NewTraceConsistencyError("node %d not found in trace", nodeID)
	}
	if err != nil {
		return 0, fmt.Errorf("select step count: %w", err)
	}
	return count, nil
}

// UpdateNodeStepCount overwrites the step count of a node.
func (w *WritableTrace) UpdateNodeStepCount(ctx context.Context, nodeID, count int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	res, err := w.exec(ctx, sqlUpdateStepCount, count, nodeID)
	if err != nil {
		return fmt.Errorf("update step count: %w", err)
	}
	return requireRow(res, "node %d not found in trace", nodeID)
}

// StartStep opens a new step of nodeID in one transaction: the node's step
// count is incremented, the step row inserted, and every read event on the
// node's inflows that has no step yet is re-pointed at the new step. It
// returns the step ID and step number.
func (w *WritableTrace) StartStep(ctx context.Context, nodeID int64, parentStepID *int64, start time.Time) (int64, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Statements are prepared before the transaction takes the only
	// connection.
	queries := []string{sqlSelectStepCount, sqlUpdateStepCount, sqlInsertStep, sqlReconcileReads}
	stmts := make([]*sql.Stmt, len(queries))
	for i, q := range queries {
		s, err := w.prepared(ctx, q)
		if err != nil {
			return 0, 0, err
		}
		stmts[i] = s
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin step transaction: %w", err)
	}
	defer tx.Rollback()

	var count int64
	err = tx.StmtContext(ctx, stmts[0]).QueryRowContext(ctx, nodeID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, dataflow.NewTraceConsistencyError("node %d not found in trace", nodeID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("select step count: %w", err)
	}
	count++

	if _, err := tx.StmtContext(ctx, stmts[1]).ExecContext(ctx, count, nodeID); err != nil {
		return 0, 0, fmt.Errorf("update step count: %w", err)
	}

	res, err := tx.StmtContext(ctx, stmts[2]).ExecContext(ctx, nodeID, nullInt(parentStepID), count, 0, start, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("insert step: %w", err)
	}
	stepID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("insert step: %w", err)
	}

	if _, err := tx.StmtContext(ctx, stmts[3]).ExecContext(ctx, stepID, nodeID); err != nil {
		return 0, 0, fmt.Errorf("associate read events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit step transaction: %w", err)
	}
	return stepID, count, nil
}

// UnassociatedReadEvents returns the read events on nodeID's inflows that
// are not attached to a step.
func (w *WritableTrace) UnassociatedReadEvents(ctx context.Context, nodeID int64) ([]int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, err := w.prepared(ctx, sqlUnassociatedReads)
	if err != nil {
		return nil, err
	}
	rows, err := s.QueryContext(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query read events: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan read event: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate read events: %w", err)
	}
	return ids, nil
}

// UpdatePortEventStep attaches a port event to a step.
func (w *WritableTrace) UpdatePortEventStep(ctx context.Context, eventID, stepID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.exec(ctx, sqlUpdateEventStep, stepID, eventID); err != nil {
		return fmt.Errorf("update port event %d step: %w", eventID, err)
	}
	return nil
}

// InsertPacket inserts a packet. The origin event is usually unknown at
// creation and backfilled with UpdatePacketOrigin.
func (w *WritableTrace) InsertPacket(ctx context.Context, originEventID *int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.insert(ctx, sqlInsertPacket, nullInt(originEventID))
	if err != nil {
		return 0, fmt.Errorf("insert packet: %w", err)
	}
	return id, nil
}

// UpdatePacketOrigin records the event that first wrote a packet.
func (w *WritableTrace) UpdatePacketOrigin(ctx context.Context, packetID, eventID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	res, err := w.exec(ctx, sqlUpdatePacketOrigin, eventID, packetID)
	if err != nil {
		return fmt.Errorf("update packet %d origin: %w", packetID, err)
	}
	return requireRow(res, "packet %d not found in trace", packetID)
}

// InsertPortEvent inserts a read or write event.
func (w *WritableTrace) InsertPortEvent(ctx context.Context, e PortEventRecord) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.insert(ctx, sqlInsertPortEvent, e.PortID, e.PacketID, nullInt(e.StepID),
		string(e.Class), e.Number, e.Time)
	if err != nil {
		return 0, fmt.Errorf("insert port event on port %d: %w", e.PortID, err)
	}
	return id, nil
}

// UpdatePortPacketCount sets the running packet count of a port.
func (w *WritableTrace) UpdatePortPacketCount(ctx context.Context, portID, count int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.exec(ctx, sqlUpdatePacketCount, count, portID); err != nil {
		return fmt.Errorf("update port %d packet count: %w", portID, err)
	}
	return nil
}

// InsertData stores a value. It fails if the value cannot be encoded.
func (w *WritableTrace) InsertData(ctx context.Context, value any, isReference bool, dataTypeID *int64) (int64, error) {
	enc, err := encodeValue(value)
	if err != nil {
		return 0, fmt.Errorf("insert data: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.insert(ctx, sqlInsertData, enc, isReference, nullInt(dataTypeID))
	if err != nil {
		return 0, fmt.Errorf("insert data: %w", err)
	}
	return id, nil
}

// InsertResource stores a resource. An empty URI is stored as NULL.
func (w *WritableTrace) InsertResource(ctx context.Context, uri string, dataID *int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.insert(ctx, sqlInsertResource, normText(uri), nullInt(dataID))
	if err != nil {
		return 0, fmt.Errorf("insert resource %q: %w", uri, err)
	}
	return id, nil
}

// InsertPacketResource adds a resource to a packet.
func (w *WritableTrace) InsertPacketResource(ctx context.Context, packetID, resourceID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.exec(ctx, sqlInsertPacketRes, packetID, resourceID); err != nil {
		return fmt.Errorf("insert packet resource: %w", err)
	}
	return nil
}

// InsertPacketMetadata adds a metadata entry to a packet.
func (w *WritableTrace) InsertPacketMetadata(ctx context.Context, packetID int64, key string, dataID int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.insert(ctx, sqlInsertPacketMeta, packetID, key, dataID)
	if err != nil {
		return 0, fmt.Errorf("insert packet metadata %q: %w", key, err)
	}
	return id, nil
}

// InsertDataType inserts a named data type.
func (w *WritableTrace) InsertDataType(ctx context.Context, name string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.insert(ctx, sqlInsertDataType, name)
	if err != nil {
		return 0, fmt.Errorf("insert data type %q: %w", name, err)
	}
	return id, nil
}

// InsertDependencyRule records that targetVarID depends on sourceVarID.
func (w *WritableTrace) InsertDependencyRule(ctx context.Context, actorID, sourceVarID, targetVarID int64, class string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.insert(ctx, sqlInsertDependency, actorID, sourceVarID, targetVarID, normText(class))
	if err != nil {
		return 0, fmt.Errorf("insert dependency rule: %w", err)
	}
	return id, nil
}

// InsertUpdate records a node variable update made during a step.
func (w *WritableTrace) InsertUpdate(ctx context.Context, nodeVariableID, dataID, stepID, number int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.insert(ctx, sqlInsertUpdate, nodeVariableID, dataID, stepID, number)
	if err != nil {
		return 0, fmt.Errorf("insert update: %w", err)
	}
	return id, nil
}

// IdentifyInflow returns the input port labelled label on nodeID.
func (w *WritableTrace) IdentifyInflow(ctx context.Context, nodeID int64, label string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identifyPort(ctx, nodeID, label, VariableInput)
}

// IdentifyOutflow returns the output port labelled label on nodeID.
func (w *WritableTrace) IdentifyOutflow(ctx context.Context, nodeID int64, label string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identifyPort(ctx, nodeID, label, VariableOutput)
}

func (w *WritableTrace) identifyPort(ctx context.Context, nodeID int64, label string, dir VariableClass) (int64, error) {
	s, err := w.prepared(ctx, sqlIdentifyPort)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.QueryRowContext(ctx, label, nodeID, string(dir)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dataflow.NewTraceConsistencyError("port '%s' (%s) on node %d not found in trace", label, dir, nodeID)
	}
	if err != nil {
		return 0, fmt.Errorf("identify port %q: %w", label, err)
	}
	return id, nil
}

// NodeID returns the trace ID of node, resolving it by qualified name the
// first time.
func (w *WritableTrace) NodeID(ctx context.Context, node dataflow.Node) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.nodeIDs[node]; ok {
		return id, nil
	}
	id, err := w.identifyNode(ctx, node.QualifiedName())
	if err != nil {
		return 0, err
	}
	w.nodeIDs[node] = id
	return id, nil
}

// InflowID returns the trace port ID of in.
func (w *WritableTrace) InflowID(ctx context.Context, in *dataflow.Inflow) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.inflowIDs[in]; ok {
		return id, nil
	}
	nodeID, err := w.cachedNodeID(ctx, in.Node())
	if err != nil {
		return 0, err
	}
	id, err := w.identifyPort(ctx, nodeID, in.Label(), VariableInput)
	if err != nil {
		return 0, err
	}
	w.inflowIDs[in] = id
	return id, nil
}

// OutflowID returns the trace port ID of o.
func (w *WritableTrace) OutflowID(ctx context.Context, o *dataflow.Outflow) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.outflowIDs[o]; ok {
		return id, nil
	}
	nodeID, err := w.cachedNodeID(ctx, o.Node())
	if err != nil {
		return 0, err
	}
	id, err := w.identifyPort(ctx, nodeID, o.Label(), VariableOutput)
	if err != nil {
		return 0, err
	}
	w.outflowIDs[o] = id
	return id, nil
}

func (w *WritableTrace) cachedNodeID(ctx context.Context, node dataflow.Node) (int64, error) {
	if id, ok := w.nodeIDs[node]; ok {
		return id, nil
	}
	id, err := w.identifyNode(ctx, node.QualifiedName())
	if err != nil {
		return 0, err
	}
	w.nodeIDs[node] = id
	return id, nil
}

// StoreWorkflowGraph persists the workflow wf and everything nested in it.
// With a nil parentID a top node standing for wf itself is inserted first
// and wf's inputs and outputs become its ports; otherwise wf's children are
// stored under the existing node parentID. Structural nodes (portals,
// buffers, sources) share one actor row per kind across the trace.
func (w *WritableTrace) StoreWorkflowGraph(ctx context.Context, wf *graph.Node, parentID *int64) error {
	if wf.Kind() != graph.KindWorkflow {
		return dataflow.NewConfigurationError("node %s is not a workflow", wf.QualifiedName())
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var root int64
	if parentID == nil {
		id, err := w.storeTopNode(ctx, wf)
		if err != nil {
			return err
		}
		root = id
	} else {
		root = *parentID
	}

	// Nesting is walked with an explicit stack in the same order a
	// recursive descent would visit it.
	type frame struct {
		wf       *graph.Node
		nodeID   int64
		children []graph.NodeID
		next     int
	}
	g := wf.Graph()
	stack := []*frame{{wf: wf, nodeID: root, children: wf.Children()}}
	stored := 0
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		if f.next == len(f.children) {
			if err := w.storeWiring(ctx, f.wf); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
			continue
		}
		child, err := g.Node(f.children[f.next])
		if err != nil {
			return err
		}
		f.next++
		id, err := w.storeNode(ctx, child, f.nodeID)
		if err != nil {
			return err
		}
		stored++
		if child.Kind() == graph.KindWorkflow {
			stack = append(stack, &frame{wf: child, nodeID: id, children: child.Children()})
		}
	}

	w.logger.Info("workflow graph stored", "workflow", wf.QualifiedName(), "nodes", stored)
	return nil
}

func (w *WritableTrace) storeTopNode(ctx context.Context, wf *graph.Node) (int64, error) {
	name := wf.Name()
	actorID, err := w.insertActor(ctx, name)
	if err != nil {
		return 0, err
	}
	nodeID, err := w.insertNode(ctx, NodeRecord{
		Name:        name,
		LocalName:   name,
		ActorID:     &actorID,
		HasChildren: true,
	})
	if err != nil {
		return 0, err
	}
	w.nodeIDs[wf] = nodeID

	for _, input := range wf.Inputs() {
		if err := w.storeTopPort(ctx, actorID, nodeID, input, VariableInput); err != nil {
			return 0, err
		}
	}
	for _, output := range wf.Outputs() {
		if err := w.storeTopPort(ctx, actorID, nodeID, output, VariableOutput); err != nil {
			return 0, err
		}
	}
	return nodeID, nil
}

func (w *WritableTrace) storeTopPort(ctx context.Context, actorID, nodeID int64, label string, dir VariableClass) error {
	varID, err := w.insertActorVariable(ctx, actorID, label, dir, nil)
	if err != nil {
		return err
	}
	nodeVarID, err := w.insertNodeVariable(ctx, nodeID, varID)
	if err != nil {
		return err
	}
	_, err = w.insertPort(ctx, label, nodeID, &nodeVarID, dir, "")
	return err
}

func (w *WritableTrace) storeNode(ctx context.Context, n *graph.Node, parentID int64) (int64, error) {
	actorID, err := w.actorFor(ctx, n)
	if err != nil {
		return 0, err
	}
	nodeID, err := w.insertNode(ctx, NodeRecord{
		Name:        n.QualifiedName(),
		LocalName:   n.Name(),
		ParentID:    &parentID,
		ActorID:     &actorID,
		Hidden:      n.Hidden(),
		HasChildren: n.HasChildren(),
	})
	if err != nil {
		return 0, err
	}
	w.nodeIDs[n] = nodeID

	for _, in := range n.Inflows() {
		portID, err := w.storeNodePort(ctx, actorID, nodeID, in.Label(), VariableInput, in.Template().String())
		if err != nil {
			return 0, err
		}
		w.inflowIDs[in] = portID
	}
	for _, o := range n.Outflows() {
		portID, err := w.storeNodePort(ctx, actorID, nodeID, o.Label(), VariableOutput, o.Template().String())
		if err != nil {
			return 0, err
		}
		w.outflowIDs[o] = portID
	}
	return nodeID, nil
}

func (w *WritableTrace) storeNodePort(ctx context.Context, actorID, nodeID int64, label string, dir VariableClass, template string) (int64, error) {
	varID, err := w.actorVariable(ctx, actorID, label, dir)
	if err != nil {
		return 0, err
	}
	nodeVarID, err := w.insertNodeVariable(ctx, nodeID, varID)
	if err != nil {
		return 0, err
	}
	return w.insertPort(ctx, label, nodeID, &nodeVarID, dir, template)
}

// actorFor returns the actor row of n. Structural kinds reuse one row.
func (w *WritableTrace) actorFor(ctx context.Context, n *graph.Node) (int64, error) {
	if !n.Kind().Structural() {
		return w.insertActor(ctx, n.Actor())
	}
	if id, ok := w.structural[n.Kind()]; ok {
		return id, nil
	}
	id, err := w.insertActor(ctx, n.Kind().String())
	if err != nil {
		return 0, err
	}
	w.structural[n.Kind()] = id
	return id, nil
}

func (w *WritableTrace) storeWiring(ctx context.Context, wf *graph.Node) error {
	for _, wire := range wf.Wiring() {
		inID, ok := w.inflowIDs[wire.Inflow]
		if !ok {
			return dataflow.NewTraceConsistencyError("inflow %s on %s not stored in trace",
				wire.Inflow.Label(), wire.Inflow.Node().QualifiedName())
		}
		for _, o := range wire.Outflows {
			outID, ok := w.outflowIDs[o]
			if !ok {
				return dataflow.NewTraceConsistencyError("outflow %s on %s not stored in trace",
					o.Label(), o.Node().QualifiedName())
			}
			if err := w.insertChannel(ctx, outID, inID); err != nil {
				return err
			}
		}
	}
	return nil
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dataflow.NewTraceConsistencyError(format, args...)
	}
	return nil
}
