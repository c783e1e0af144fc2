package pstream

import "bken/pulsed/mempool"

// lazyExport returns this stream's MemExport, creating it on first use. A
// PStream only needs an export once it actually has something SHM-eligible
// to send (spec §4.5 "When enabled, a MemExport is created lazily").
func (p *PStream) lazyExport() (*mempool.MemExport, error) {
	p.shmMu.Lock()
	defer p.shmMu.Unlock()
	if p.exp != nil {
		return p.exp, nil
	}
	exp, err := p.pool.NewExport(p.onExportRevoke)
	if err != nil {
		return nil, err
	}
	p.exp = exp
	return exp, nil
}

// onExportRevoke is the MemExport revoke callback: it posts a SHMREVOKE
// frame back onto this stream's own send queue (spec §5 "release/revoke
// callbacks... post ... to the owning PStream's thread-safe send queue").
func (p *PStream) onExportRevoke(blockID uint32) {
	if err := p.SendRevoke(blockID); err != nil {
		logger.Debug("dropping revoke on dead stream", "block_id", blockID, "err", err)
	}
}

// lazyImport returns this stream's MemImport, creating it on first
// incoming SHMDATA frame (mirrors lazyExport; there is no exported registry
// to create eagerly since imports only exist once the peer has sent one).
func (p *PStream) lazyImport() *mempool.MemImport {
	p.shmMu.Lock()
	defer p.shmMu.Unlock()
	if p.imp != nil {
		return p.imp
	}
	imp := p.pool.NewImport(p.onImportRelease)
	p.imp = imp
	return imp
}

func (p *PStream) onImportRelease(peerBlockID uint32) {
	if err := p.SendRelease(peerBlockID); err != nil {
		logger.Debug("dropping release on dead stream", "block_id", peerBlockID, "err", err)
	}
}
