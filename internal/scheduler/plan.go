package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"buildhub/internal/models"
)

// hostInfo carries per-pass accounting on top of a host row.
type hostInfo struct {
	models.Host

	load    float64
	ntasks  int
	demand  float64
	rank    float64
	maxJobs int
}

// taskInfo is a free task plus its candidate hosts for this pass.
type taskInfo struct {
	models.Task

	bin        string
	candidates []*hostInfo
}

// binFor keys tasks and hosts by channel and architecture.
func binFor(channelID int64, arch string) string {
	return fmt.Sprintf("%d:%s", channelID, arch)
}

// indexHosts builds the by-id and by-bin host indexes. Every host is a
// candidate for noarch work in each of its channels, in addition to its
// declared architectures.
func indexHosts(hosts []models.Host, defaultMaxJobs int) (map[int64]*hostInfo, map[string][]*hostInfo) {
	byID := make(map[int64]*hostInfo, len(hosts))
	byBin := map[string][]*hostInfo{}
	for i := range hosts {
		h := &hostInfo{Host: hosts[i], maxJobs: defaultMaxJobs}
		if v, ok := h.Data["maxjobs"]; ok {
			if f, ok := v.(float64); ok && f > 0 {
				h.maxJobs = int(f)
			}
		}
		byID[h.ID] = h
		arches := append(strings.Fields(h.Arches), "noarch")
		for _, ch := range h.Channels {
			for _, arch := range arches {
				bin := binFor(ch, arch)
				byBin[bin] = append(byBin[bin], h)
			}
		}
	}
	return byID, byBin
}

// accountLoad mirrors builder check-in accounting: each active task
// counts toward its host's task count, and its weight toward load
// unless the task is waiting on children.
func accountLoad(active []models.Task, byID map[int64]*hostInfo) {
	for _, t := range active {
		if t.HostID == nil {
			continue
		}
		h, ok := byID[*t.HostID]
		if !ok {
			// host not schedulable right now
			continue
		}
		if !t.Waiting {
			h.load += t.Weight
		}
		h.ntasks++
	}
}

// findCandidates fills in each free task's candidate hosts and
// accumulates demand on those hosts. Demand is a rough measure of how
// much pending load could land on a host: each task spreads its weight
// evenly over its options.
func findCandidates(free []*taskInfo, byBin map[string][]*hostInfo, refusals map[int64]map[int64]bool, overcommit float64) {
	for _, t := range free {
		minAvail := t.Weight - overcommit
		if minAvail > 0 {
			minAvail = 0
		}
		refused := refusals[t.ID]
		for _, h := range byBin[t.bin] {
			if h.Ready &&
				h.ntasks < h.maxJobs &&
				h.Capacity-h.load > minAvail &&
				!refused[h.ID] {
				t.candidates = append(t.candidates, h)
			}
		}
		for _, h := range t.candidates {
			h.demand += t.Weight / float64(len(t.candidates))
		}
	}
}

// normalizeDemand scales demand so it sums to 1 across all hosts,
// keeping it comparable with load and task count, then ranks every
// host.
func normalizeDemand(byID map[int64]*hostInfo) {
	var total float64
	for _, h := range byID {
		total += h.demand
	}
	for _, h := range byID {
		if total > 0 {
			h.demand /= total
		}
		h.rankHost()
	}
}

func (h *hostInfo) rankHost() {
	h.rank = h.load + float64(h.ntasks) + h.demand
}

// planAssignments walks the free tasks in priority order, offering each
// to its lowest-ranked candidate with room. try performs the actual
// claim and reports success; on success the host's accounting and rank
// are updated before the next task is considered. Host id breaks rank
// ties so the order is deterministic.
func planAssignments(free []*taskInfo, overcommit float64, try func(t *taskInfo, h *hostInfo) bool) {
	for _, t := range free {
		minAvail := t.Weight - overcommit
		sort.SliceStable(t.candidates, func(i, j int) bool {
			if t.candidates[i].rank != t.candidates[j].rank {
				return t.candidates[i].rank < t.candidates[j].rank
			}
			return t.candidates[i].ID < t.candidates[j].ID
		})
		for _, h := range t.candidates {
			if h.Capacity-h.load > minAvail && h.ntasks < h.maxJobs {
				if try(t, h) {
					h.load += t.Weight
					h.ntasks++
					h.rankHost()
				}
				break
			}
		}
	}
}
