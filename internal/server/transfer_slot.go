package server

import "github.com/aydomini/EchoVault/internal/models"

// requestSlotLocked grants or denies the room's sender slot. There is no
// queue; a denied client retries on its own. A holder asking again keeps
// its slot under the new file id.
func (r *Room) requestSlotLocked(c *Conn, req *models.FileTransferRequest) {
	resp := models.FileTransferResponse{
		FileID:        req.FileID,
		MaxConcurrent: r.cfg.MaxConcurrentTransfers,
	}
	if _, holding := r.senders[c.ID]; holding || len(r.senders) < r.cfg.MaxConcurrentTransfers {
		r.senders[c.ID] = req.FileID
		resp.Allowed = true
		r.logger.Info("file transfer slot granted", "room", r.ID, "conn", c.ID, "file", req.FileID)
	} else {
		resp.Reason = models.ReasonTooManyTransfers
		r.logger.Info("file transfer slot denied", "room", r.ID, "conn", c.ID, "active", len(r.senders))
	}
	resp.ActiveCount = len(r.senders)
	r.sendLocked(c, resp)
}

// releaseSlotLocked frees the slot held by connID and returns the file id
// it was held for.
func (r *Room) releaseSlotLocked(connID string) (string, bool) {
	fileID, ok := r.senders[connID]
	if ok {
		delete(r.senders, connID)
	}
	return fileID, ok
}

// abortTransferLocked releases c's slot, if it holds one, and tells every
// member the transfer is gone so receivers drop what they have buffered.
func (r *Room) abortTransferLocked(c *Conn, reason string) {
	fileID, ok := r.releaseSlotLocked(c.ID)
	if !ok {
		return
	}
	r.logger.Warn("file transfer aborted", "room", r.ID, "conn", c.ID, "file", fileID, "reason", reason)
	r.broadcastLocked(models.FileTransferCancelled{
		FileID:       fileID,
		ConnectionID: c.ID,
		Timestamp:    r.now().UnixMilli(),
	}, "")
}
