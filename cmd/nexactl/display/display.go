// Package display renders nexactl output as tables or JSON.
//
// Tables go through text/tabwriter; JSON is the API body re-encoded with
// indentation so scripts see the same fields the daemon serves.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/internal/api/handlers"
	"github.com/concave-dev/nexa/internal/cluster"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/scheduler"
	"github.com/dustin/go-humanize"
)

// Out is where everything is written; tests point it at a buffer.
var Out io.Writer = os.Stdout

var (
	goodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	keyStyle  = lipgloss.NewStyle().Bold(true)
)

func isJSON() bool {
	return config.Global.Output == "json"
}

func printJSON(v any) {
	encoder := json.NewEncoder(Out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		logging.Error("Failed to encode JSON: %v", err)
		fmt.Fprintln(Out, "Error encoding JSON output")
	}
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(Out, 0, 0, 2, ' ', 0)
}

// colorize styles well known states. Only used for table output.
func colorize(state string) string {
	switch state {
	case "healthy", "leader", "idle", "completed", string(protocol.TaskInProgress):
		return goodStyle.Render(state)
	case "degraded", "queued", "assigned", "running", "candidate":
		return warnStyle.Render(state)
	case "unreachable", "failed", "error", "no_leader", "shutdown":
		return badStyle.Render(state)
	}
	return state
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func field(w io.Writer, key string, value any) {
	fmt.Fprintf(w, "%s:\t%v\n", keyStyle.Render(key), value)
}

// DisplayHealth prints the node health check.
func DisplayHealth(h *handlers.HealthResponse) {
	if isJSON() {
		printJSON(h)
		return
	}
	w := newTable()
	defer w.Flush()
	field(w, "Status", colorize(h.Status))
	field(w, "Role", colorize(string(h.Role)))
	field(w, "Version", h.Version)
	field(w, "Uptime", h.Uptime)
	if len(h.Alerts) == 0 {
		field(w, "Alerts", "none")
		return
	}
	field(w, "Alerts", len(h.Alerts))
	for _, alert := range h.Alerts {
		fmt.Fprintf(w, "  %s\n", alert)
	}
}

// DisplayStatus prints one node's view of the cluster.
func DisplayStatus(st *handlers.NodeStatus) {
	if isJSON() {
		printJSON(st)
		return
	}
	w := newTable()
	field(w, "Node", st.NodeID)
	field(w, "Role", colorize(string(st.Role)))
	field(w, "Term", st.Term)
	field(w, "Leader", orDash(st.LeaderID))
	if config.Global.Verbose {
		field(w, "Leader Address", orDash(st.LeaderAddr))
		field(w, "Cluster ID", orDash(st.ClusterID))
		field(w, "Membership Version", st.Version)
	}
	field(w, "Uptime", st.Uptime.Round(time.Second))
	field(w, "Agents", st.ActiveAgents)
	field(w, "Tasks", fmt.Sprintf("%d active, %d queued", st.ActiveTasks, st.QueuedTasks))
	w.Flush()

	fmt.Fprintln(Out)
	DisplayMembers(st.Members)
}

// DisplayMetrics prints the node counters and, when present, every peer's.
func DisplayMetrics(m *handlers.NodeMetrics) {
	if isJSON() {
		printJSON(m)
		return
	}
	w := newTable()
	field(w, "Node", m.NodeID)
	field(w, "Agents", fmt.Sprintf("%d (%d reachable)", m.Counts.Agents, m.Counts.ReachableAgents))
	field(w, "Tasks", fmt.Sprintf("%d queued, %d active, %d finished",
		m.Counts.QueuedTasks, m.Counts.ActiveTasks, m.Counts.FinishedTasks))
	if m.Counts.ForwardedTasks > 0 {
		field(w, "Forwarded", m.Counts.ForwardedTasks)
	}

	if m.Health != nil && m.Health.Node != nil {
		s := m.Health.Node.System
		field(w, "CPU", fmt.Sprintf("%.1f%% of %d cores", s.CPUUsage, s.CPUCores))
		field(w, "Memory", fmt.Sprintf("%s / %s (%.1f%%)",
			humanize.IBytes(s.MemoryUsed), humanize.IBytes(s.MemoryTotal), s.MemoryUsage))
		field(w, "Error Rate", fmt.Sprintf("%.2f%%", m.Health.Node.ErrorRate*100))
		if config.Global.Verbose {
			field(w, "Load", fmt.Sprintf("%.2f", s.Load1))
			field(w, "Goroutines", s.Goroutines)
			field(w, "Go Heap", humanize.IBytes(s.GoMemAlloc))
		}
	}
	if m.Connections != nil {
		c := m.Connections
		field(w, "Connections", fmt.Sprintf("%d active, %s total, %s rejected",
			c.ActiveConnections, humanize.Comma(int64(c.TotalConnections)), humanize.Comma(int64(c.RejectedConnections))))
		if config.Global.Verbose {
			field(w, "Protocol Errors", humanize.Comma(int64(c.ProtocolErrors)))
		}
	}
	w.Flush()

	if len(m.Tokens) > 0 {
		fmt.Fprintln(Out)
		t := newTable()
		fmt.Fprintln(t, "TOKEN KEY\tUSED\tLIMIT\tTOTAL\tWINDOW")
		for _, u := range m.Tokens {
			limit := "-"
			if u.Limit > 0 {
				limit = humanize.Comma(u.Limit)
			}
			fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\n", u.Key, humanize.Comma(u.Used), limit,
				humanize.Comma(u.Total), humanize.Time(u.WindowStart))
		}
		t.Flush()
	}

	if len(m.Peers) == 0 && len(m.PeerErrors) == 0 {
		return
	}
	fmt.Fprintln(Out)
	p := newTable()
	defer p.Flush()
	fmt.Fprintln(p, "PEER\tAGENTS\tQUEUED\tACTIVE\tCPU\tMEMORY\tERROR")
	ids := make([]string, 0, len(m.Peers)+len(m.PeerErrors))
	for id := range m.Peers {
		ids = append(ids, id)
	}
	for id := range m.PeerErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if msg, failed := m.PeerErrors[id]; failed {
			fmt.Fprintf(p, "%s\t-\t-\t-\t-\t-\t%s\n", id, badStyle.Render(msg))
			continue
		}
		peer := m.Peers[id]
		cpu, mem := "-", "-"
		if peer.Health != nil && peer.Health.Node != nil {
			cpu = fmt.Sprintf("%.1f%%", peer.Health.Node.System.CPUUsage)
			mem = fmt.Sprintf("%.1f%%", peer.Health.Node.System.MemoryUsage)
		}
		fmt.Fprintf(p, "%s\t%d\t%d\t%d\t%s\t%s\t-\n", id, peer.Counts.ReachableAgents,
			peer.Counts.QueuedTasks, peer.Counts.ActiveTasks, cpu, mem)
	}
}

// DisplayAgents lists agents sorted by id.
func DisplayAgents(agents []protocol.AgentInfo) {
	if agents == nil {
		agents = []protocol.AgentInfo{}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	if isJSON() {
		printJSON(agents)
		return
	}
	if len(agents) == 0 {
		fmt.Fprintln(Out, "No agents connected")
		return
	}

	w := newTable()
	defer w.Flush()
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTASKS\tCAPABILITIES\tLAST HEARTBEAT")
	for _, a := range agents {
		status := string(a.Status)
		if a.Unreachable {
			status = "unreachable"
		}
		tasks := fmt.Sprintf("%d", a.ActiveTasks)
		if a.MaxTasks > 0 {
			tasks = fmt.Sprintf("%d/%d", a.ActiveTasks, a.MaxTasks)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, orDash(a.Name), colorize(status), tasks,
			strings.Join(a.Capabilities, ","), ago(a.LastHeartbeat))
	}
}

// DisplayAgent prints one agent.
func DisplayAgent(a *protocol.AgentInfo) {
	if isJSON() {
		printJSON(a)
		return
	}
	w := newTable()
	defer w.Flush()
	field(w, "ID", a.ID)
	field(w, "Name", orDash(a.Name))
	field(w, "Status", colorize(string(a.Status)))
	field(w, "Reachable", !a.Unreachable)
	field(w, "Capabilities", strings.Join(a.Capabilities, ", "))
	field(w, "Active Tasks", a.ActiveTasks)
	if a.MaxTasks > 0 {
		field(w, "Max Tasks", a.MaxTasks)
	}
	field(w, "Current Task", orDash(a.CurrentTask))
	field(w, "Last Heartbeat", ago(a.LastHeartbeat))
}

// DisplayTasks lists tasks sorted by id.
func DisplayTasks(tasks []handlers.TaskView) {
	if tasks == nil {
		tasks = []handlers.TaskView{}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	if isJSON() {
		printJSON(tasks)
		return
	}
	if len(tasks) == 0 {
		fmt.Fprintln(Out, "No tasks found")
		return
	}

	w := newTable()
	defer w.Flush()
	if config.Global.Verbose {
		fmt.Fprintln(w, "ID\tTYPE\tSTATE\tAGENT\tROUTING KEY\tATTEMPTS\tDEADLINE\tREASON")
	} else {
		fmt.Fprintln(w, "ID\tTYPE\tSTATE\tAGENT\tDEADLINE")
	}
	for _, t := range tasks {
		if config.Global.Verbose {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n", t.ID, t.Type, colorize(string(t.State)),
				orDash(t.AssignedAgent), orDash(t.RoutingKey), t.Attempts, ago(t.Deadline), orDash(t.Reason))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Type, colorize(string(t.State)),
			orDash(t.AssignedAgent), ago(t.Deadline))
	}
}

// DisplayTask prints one task.
func DisplayTask(t *handlers.TaskView) {
	if isJSON() {
		printJSON(t)
		return
	}
	w := newTable()
	defer w.Flush()
	field(w, "ID", t.ID)
	field(w, "Type", t.Type)
	field(w, "State", colorize(string(t.State)))
	field(w, "Agent", orDash(t.AssignedAgent))
	field(w, "Routing Key", orDash(t.RoutingKey))
	field(w, "Model", orDash(t.Model))
	if t.Tokens > 0 {
		field(w, "Tokens", humanize.Comma(t.Tokens))
	}
	field(w, "Deadline", ago(t.Deadline))
	field(w, "Attempts", t.Attempts)
	if t.Reason != "" {
		field(w, "Reason", t.Reason)
	}
	if len(t.Payload) > 0 && config.Global.Verbose {
		field(w, "Payload", string(t.Payload))
	}
}

// DisplayPlacement prints where a submitted task went.
func DisplayPlacement(p *scheduler.Placement) {
	if isJSON() {
		printJSON(p)
		return
	}
	switch {
	case p.AgentID != "":
		fmt.Fprintf(Out, "Task %s %s to agent %s", p.TaskID, p.State, p.AgentID)
	default:
		fmt.Fprintf(Out, "Task %s %s", p.TaskID, p.State)
	}
	if p.NodeID != "" {
		fmt.Fprintf(Out, " on node %s", p.NodeID)
	}
	fmt.Fprintln(Out)
}

// DisplayMembers lists cluster members with the leader marked by *.
func DisplayMembers(members []cluster.Node) {
	if members == nil {
		members = []cluster.Node{}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	if isJSON() {
		printJSON(members)
		return
	}
	if len(members) == 0 {
		fmt.Fprintln(Out, "No cluster members found")
		return
	}

	w := newTable()
	defer w.Flush()
	if config.Global.Verbose {
		fmt.Fprintln(w, "ID\tRAFT\tAPI\tGRPC\tHEALTH\tJOINED\tUPDATED")
	} else {
		fmt.Fprintln(w, "ID\tRAFT\tAPI\tHEALTH\tJOINED")
	}
	for _, m := range members {
		id := m.ID
		if m.Leader {
			id += "*"
		}
		if config.Global.Verbose {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", id, m.Address, orDash(m.APIAddr), orDash(m.GRPCAddr),
				colorize(string(m.Health)), ago(&m.JoinedAt), ago(&m.Updated))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, m.Address, orDash(m.APIAddr),
			colorize(string(m.Health)), ago(&m.JoinedAt))
	}
}

// DisplayMember prints one member.
func DisplayMember(m *cluster.Node) {
	if isJSON() {
		printJSON(m)
		return
	}
	w := newTable()
	defer w.Flush()
	field(w, "ID", m.ID)
	field(w, "Leader", m.Leader)
	field(w, "Raft Address", m.Address)
	field(w, "API Address", orDash(m.APIAddr))
	field(w, "gRPC Address", orDash(m.GRPCAddr))
	field(w, "Health", colorize(string(m.Health)))
	field(w, "Joined", ago(&m.JoinedAt))
	field(w, "Updated", ago(&m.Updated))
}
