package backgroundsync

// GroupStatus is the aggregate state of a folder's queued work.
type GroupStatus string

const (
	GroupPending   GroupStatus = "pending"
	GroupRunning   GroupStatus = "running"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
)

// SyncGroup counts the work queued for one shared folder. Counters change
// only under the BackgroundSync lock.
type SyncGroup struct {
	Folder             string      `json:"folder"`
	Total              int         `json:"total"`
	Completed          int         `json:"completed"`
	Failed             int         `json:"failed"`
	Syncs              int         `json:"syncs"`
	CompletedSyncs     int         `json:"completedSyncs"`
	Downloads          int         `json:"downloads"`
	CompletedDownloads int         `json:"completedDownloads"`
	Status             GroupStatus `json:"status"`
}

func (g *SyncGroup) add(queue Queue, n int) {
	if queue == QueueDownload {
		g.Downloads += n
	} else {
		g.Syncs += n
	}
}

// complete records one terminal item. The group completes when every item
// finished without failure and fails on the first failure.
func (g *SyncGroup) complete(queue Queue, failed bool) {
	g.Completed++
	if queue == QueueDownload {
		g.CompletedDownloads++
	} else {
		g.CompletedSyncs++
	}
	if failed {
		g.Failed++
		g.Status = GroupFailed
		return
	}
	if g.Completed == g.Total && g.Failed == 0 {
		g.Status = GroupCompleted
	}
}

// withdraw forgets an item that left the queue without running.
func (g *SyncGroup) withdraw(queue Queue) {
	g.Total--
	g.add(queue, -1)
	if g.Total > 0 && g.Completed == g.Total && g.Failed == 0 {
		g.Status = GroupCompleted
	}
}

func (g *SyncGroup) finished() bool {
	return g.Completed >= g.Total && (g.Status == GroupCompleted || g.Status == GroupFailed)
}

// groupLocked returns the open group of a folder, starting a fresh one when
// the previous group already finished.
func (b *BackgroundSync) groupLocked(folder string) *SyncGroup {
	g, ok := b.groups[folder]
	if !ok || g.finished() {
		g = &SyncGroup{Folder: folder, Status: GroupPending}
		b.groups[folder] = g
	}
	return g
}

// Progress summarizes completion percentages.
type Progress struct {
	TotalPercent       int `json:"totalPercent"`
	SyncPercent        int `json:"syncPercent"`
	DownloadPercent    int `json:"downloadPercent"`
	TotalItems         int `json:"totalItems"`
	CompletedItems     int `json:"completedItems"`
	FailedItems        int `json:"failedItems"`
	SyncItems          int `json:"syncItems"`
	CompletedSyncs     int `json:"completedSyncs"`
	DownloadItems      int `json:"downloadItems"`
	CompletedDownloads int `json:"completedDownloads"`
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}

func (p *Progress) addGroup(g *SyncGroup) {
	p.TotalItems += g.Total
	p.CompletedItems += g.Completed
	p.FailedItems += g.Failed
	p.SyncItems += g.Syncs
	p.CompletedSyncs += g.CompletedSyncs
	p.DownloadItems += g.Downloads
	p.CompletedDownloads += g.CompletedDownloads
}

func (p *Progress) finalize() {
	p.TotalPercent = percent(p.CompletedItems, p.TotalItems)
	p.SyncPercent = percent(p.CompletedSyncs, p.SyncItems)
	p.DownloadPercent = percent(p.CompletedDownloads, p.DownloadItems)
}

// Group returns a copy of the current group of a folder.
func (b *BackgroundSync) Group(folder string) (SyncGroup, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[folder]
	if !ok {
		return SyncGroup{}, false
	}
	return *g, true
}

// GroupProgress returns the progress of one folder.
func (b *BackgroundSync) GroupProgress(folder string) Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	var p Progress
	if g, ok := b.groups[folder]; ok {
		p.addGroup(g)
	}
	p.finalize()
	return p
}

// GlobalProgress aggregates every folder.
func (b *BackgroundSync) GlobalProgress() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	var p Progress
	for _, g := range b.groups {
		p.addGroup(g)
	}
	p.finalize()
	return p
}
