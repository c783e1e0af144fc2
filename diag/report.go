package diag

import (
	"bken/pulsed/mempool"
	"bken/pulsed/pstream"
)

type poolReport struct {
	ID                 string  `json:"id"`
	Shared             bool    `json:"shared"`
	ShmID              *uint32 `json:"shm_id,omitempty"`
	NSlots             int     `json:"n_slots"`
	BlockSize          int     `json:"block_size"`
	NExports           int     `json:"n_exports"`
	NImports           int     `json:"n_imports"`
	mempool.Snapshot           // embedded counters (NAllocated, AllocatedSize, ...)
}

func reportPool(id string, p *mempool.MemPool) poolReport {
	r := poolReport{
		ID:        id,
		Shared:    p.Shared(),
		NSlots:    p.NSlots(),
		BlockSize: p.BlockSize(),
		NExports:  p.NumExports(),
		NImports:  p.NumImports(),
		Snapshot:  p.Stats(),
	}
	if shmID, ok := p.ShmID(); ok {
		r.ShmID = &shmID
	}
	return r
}

type streamReport struct {
	ID         string `json:"id"`
	Dead       bool   `json:"dead"`
	SHMEnabled bool   `json:"shm_enabled"`
	Pending    bool   `json:"pending"`
	QueueDepth int    `json:"queue_depth"`
}

func reportStream(id string, s *pstream.PStream) streamReport {
	st := s.Stats()
	return streamReport{
		ID:         id,
		Dead:       st.Dead,
		SHMEnabled: st.SHMEnabled,
		Pending:    st.Pending,
		QueueDepth: st.QueueDepth,
	}
}
