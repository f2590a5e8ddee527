package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/redcon"
	"golang.org/x/sync/singleflight"

	"github.com/10yihang/gridcache/internal/cluster/affinity"
	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/cluster/rebalance"
)

// ClusterView is the read side of a cluster node.
type ClusterView interface {
	Local() membership.Node
	Members() membership.Topology
	Partitions() int
	Assignment() *affinity.Assignment
	State(p partition.ID) partition.State
	Owners(p partition.ID) []uuid.UUID
	KeyPartition(key string) partition.ID
	Info() map[string]interface{}
	Progress() []rebalance.Progress
}

type ClusterHandler struct {
	cluster ClusterView
	// Concurrent NODES and PARTITIONS calls for the same assignment share
	// one rendering.
	renders singleflight.Group
}

func NewClusterHandler(c ClusterView) *ClusterHandler {
	return &ClusterHandler{cluster: c}
}

func (h *ClusterHandler) HandleCluster(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}

	subcmd := strings.ToUpper(string(args[0]))

	switch subcmd {
	case "INFO":
		h.clusterInfo(conn)
	case "NODES":
		h.clusterNodes(conn)
	case "PARTITIONS":
		h.clusterPartitions(conn)
	case "MYID":
		conn.WriteBulkString(h.cluster.Local().ID.String())
	case "KEYPARTITION":
		h.clusterKeyPartition(conn, args[1:])
	case "PROGRESS":
		h.clusterProgress(conn)
	default:
		conn.WriteError("ERR unknown subcommand '" + subcmd + "'")
	}
}

func (h *ClusterHandler) clusterInfo(conn redcon.Conn) {
	info := h.cluster.Info()
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:%v\r\n", k, info[k])
	}
	conn.WriteBulkString(b.String())
}

func (h *ClusterHandler) renderKey(kind string) string {
	var version membership.Version
	if a := h.cluster.Assignment(); a != nil {
		version = a.Version
	}
	return fmt.Sprintf("%s@%d@%d", kind, h.cluster.Members().Version, version)
}

func (h *ClusterHandler) clusterNodes(conn redcon.Conn) {
	v, _, _ := h.renders.Do(h.renderKey("nodes"), func() (interface{}, error) {
		return h.renderNodes(), nil
	})
	conn.WriteBulkString(v.(string))
}

// renderNodes lists one line per member:
// <id> <addr> <flags> <join order> <primary partitions> <all assigned partitions>
func (h *ClusterHandler) renderNodes() string {
	members := h.cluster.Members()
	self := h.cluster.Local().ID
	a := h.cluster.Assignment()

	var b strings.Builder
	for _, n := range members.Nodes {
		var flags []string
		if n.ID == self {
			flags = append(flags, "myself")
		}
		if members.IsCoordinator(n.ID) {
			flags = append(flags, "coordinator")
		}
		if len(flags) == 0 {
			flags = append(flags, "-")
		}

		var primaries, assigned []partition.ID
		if a != nil {
			assigned = a.PartitionsFor(n.ID)
			for _, p := range assigned {
				if primary, ok := a.Primary(p); ok && primary == n.ID {
					primaries = append(primaries, p)
				}
			}
		}

		fmt.Fprintf(&b, "%s %s %s %d %s %s\n",
			n.ID, n.Addr, strings.Join(flags, ","), n.Order,
			FormatRanges(primaries), FormatRanges(assigned))
	}
	return b.String()
}

type partitionRow struct {
	id     partition.ID
	nodes  []uuid.UUID
	owners []uuid.UUID
	local  partition.State
}

func (h *ClusterHandler) clusterPartitions(conn redcon.Conn) {
	a := h.cluster.Assignment()
	if a == nil {
		conn.WriteArray(0)
		return
	}
	// Local states change without a new assignment, so only the assignment
	// part is shared.
	v, _, _ := h.renders.Do(h.renderKey("partitions"), func() (interface{}, error) {
		rows := make([]partitionRow, a.Partitions())
		for p := range rows {
			rows[p] = partitionRow{id: partition.ID(p), nodes: a.Nodes(partition.ID(p))}
		}
		return rows, nil
	})
	shared := v.([]partitionRow)

	conn.WriteArray(len(shared))
	for _, r := range shared {
		r.owners = h.cluster.Owners(r.id)
		r.local = h.cluster.State(r.id)

		conn.WriteArray(4)
		conn.WriteInt(int(r.id))
		writeIDs(conn, r.nodes)
		writeIDs(conn, r.owners)
		conn.WriteBulkString(r.local.String())
	}
}

func writeIDs(conn redcon.Conn, ids []uuid.UUID) {
	conn.WriteArray(len(ids))
	for _, id := range ids {
		conn.WriteBulkString(id.String())
	}
}

func (h *ClusterHandler) clusterKeyPartition(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'cluster keypartition' command")
		return
	}
	conn.WriteInt(int(h.cluster.KeyPartition(string(args[0]))))
}

func (h *ClusterHandler) clusterProgress(conn redcon.Conn) {
	progress := h.cluster.Progress()
	sort.Slice(progress, func(i, j int) bool { return progress[i].Partition < progress[j].Partition })

	conn.WriteArray(len(progress))
	for _, pr := range progress {
		conn.WriteBulkString(fmt.Sprintf("partition=%d epoch=%d status=%s supplier=%s entries=%d/%d attempts=%d",
			pr.Partition, pr.Epoch, pr.Status, membership.ShortID(pr.Supplier), pr.Entries, pr.Total, pr.Attempts))
	}
}

// FormatRanges renders sorted partition ids as comma separated ranges,
// e.g. "0-3,7". An empty list renders as "-".
func FormatRanges(ids []partition.ID) string {
	if len(ids) == 0 {
		return "-"
	}
	sorted := append([]partition.ID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(int(start)))
		} else {
			parts = append(parts, strconv.Itoa(int(start))+"-"+strconv.Itoa(int(prev)))
		}
	}
	for _, p := range sorted[1:] {
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		start, prev = p, p
	}
	flush()
	return strings.Join(parts, ",")
}
