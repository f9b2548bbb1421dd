package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/auth"
	"hexclaim.io/internal/economy"
	"hexclaim.io/internal/geo/hexgrid"
	plog "hexclaim.io/internal/persistence/log"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
)

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callContext(r)
	defer cancel()
	zones, err := s.backend.FetchZones(ctx)
	if err != nil {
		s.log.Printf("fetch zones: %v", err)
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ZonesToRows(zones))
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req protocol.CaptureReq
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	actor := auth.Subject(r.Context())
	ctx, cancel := s.callContext(r)
	defer cancel()
	res, err := s.backend.Capture(ctx, territory.CaptureRequest{
		ActorID:       actor,
		CellID:        req.TargetCellID,
		ExpectedOwner: req.ExpectedOwnerID,
	})
	s.answerTx(w, "capture", actor, req.TargetCellID, res, err)
}

func (s *Server) handleFortify(w http.ResponseWriter, r *http.Request) {
	var req protocol.FortifyReq
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if !economy.ValidAmount(req.Amount) {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "amount must be positive with at most two decimal places")
		return
	}
	actor := auth.Subject(r.Context())
	ctx, cancel := s.callContext(r)
	defer cancel()
	res, err := s.backend.Fortify(ctx, territory.FortifyRequest{ActorID: actor, CellID: req.TargetCellID, Amount: req.Amount})
	s.answerTx(w, "fortify", actor, req.TargetCellID, res, err)
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	var req protocol.HarvestReq
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	actor := auth.Subject(r.Context())
	ctx, cancel := s.callContext(r)
	defer cancel()
	res, err := s.backend.Harvest(ctx, territory.HarvestRequest{ActorID: actor, CellID: req.TargetCellID})
	s.answerTx(w, "harvest", actor, req.TargetCellID, res, err)
}

// answerTx writes a transactional result. Refusals are 200 with success=false;
// only store failures, whose outcome is unknown, are non-2xx.
func (s *Server) answerTx(w http.ResponseWriter, op, actor, cell string, res territory.TxResult, err error) {
	if err != nil {
		s.log.Printf("%s %s by %s: %v", op, cell, actor, err)
		s.fail(w, err)
		return
	}
	e := plog.Entry{Op: op, Actor: actor, Cell: cell, OK: res.OK, Code: res.Code}
	if res.OK {
		e.Price, e.Amount, e.Balance = decPtr(res.Price), decPtr(res.Amount), decPtr(res.Balance)
	}
	s.record(e)
	writeJSON(w, http.StatusOK, protocol.TxToResp(res))
}

func (s *Server) handleSpawnBatch(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	batch, err := protocol.DecodeSpawnBatch(raw)
	if err != nil {
		s.fail(w, err)
		return
	}
	// Clients may only create bots, funded and stamped by the server.
	now := s.now().UTC()
	for i := range batch.Profiles {
		batch.Profiles[i].IsBot = true
		batch.Profiles[i].Balance = s.botFunds
	}
	for i := range batch.Zones {
		batch.Zones[i].LastIncomeAt = &now
		batch.Zones[i].CapturedAt = &now
	}
	actor := auth.Subject(r.Context())
	ctx, cancel := s.callContext(r)
	defer cancel()
	err = s.backend.SpawnBatch(ctx, batch)
	e := plog.Entry{Op: "spawn_batch", Actor: actor, OK: err == nil, Bots: len(batch.Profiles), Zones: len(batch.Zones)}
	if code := territory.CodeOf(err); code == protocol.ErrBatchRejected {
		e.Code = code
		s.record(e)
		writeJSON(w, http.StatusConflict, protocol.SpawnBatchResp{Code: code, Error: err.Error()})
		return
	}
	if err != nil {
		s.log.Printf("spawn batch by %s: %v", actor, err)
		s.fail(w, err)
		return
	}
	s.record(e)
	writeJSON(w, http.StatusOK, protocol.SpawnBatchResp{Success: true})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callContext(r)
	defer cancel()
	p, err := s.profiles.GetProfile(ctx, auth.Subject(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ProfileToRow(p))
}

func (s *Server) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	var req protocol.ProfileUpdateReq
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	ctx, cancel := s.callContext(r)
	defer cancel()
	actor := auth.Subject(r.Context())
	p, err := s.profiles.UpdateProfile(ctx, actor, territory.ProfileUpdate{Username: req.Username, Color: req.Color})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.record(plog.Entry{Op: "profile_update", Actor: actor, OK: true})
	writeJSON(w, http.StatusOK, protocol.ProfileToRow(p))
}

func (s *Server) handleGridCell(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, lng, err := latLng(q.Get("lat"), q.Get("lng"))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	res := s.grid.Resolution
	if v := q.Get("res"); v != "" {
		if res, err = strconv.Atoi(v); err != nil || !hexgrid.ValidResolution(res) {
			writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "invalid res")
			return
		}
	}
	id, err := hexgrid.CellAt(lat, lng, res)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	cells, err := gridCells([]hexgrid.CellID{id})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.GridResp{Resolution: res, Cells: cells})
}

func (s *Server) handleGridVisible(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, lng, err := latLng(q.Get("lat"), q.Get("lng"))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	zoom, err := strconv.ParseFloat(q.Get("zoom"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "invalid zoom")
		return
	}
	ids, err := hexgrid.Visible(s.grid, lat, lng, zoom)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	cells, err := gridCells(ids)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.GridResp{Resolution: s.grid.Resolution, Cells: cells})
}

func gridCells(ids []hexgrid.CellID) ([]protocol.GridCell, error) {
	out := make([]protocol.GridCell, 0, len(ids))
	for _, id := range ids {
		b, err := hexgrid.Boundary(id)
		if err != nil {
			return nil, err
		}
		c := protocol.GridCell{ID: string(id), Boundary: make([][2]float64, 0, len(b))}
		for _, p := range b {
			c.Boundary = append(c.Boundary, [2]float64(p))
		}
		out = append(out, c)
	}
	return out, nil
}

func latLng(lat, lng string) (float64, float64, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return 0, 0, territory.Errorf(protocol.ErrBadRequest, "invalid lat")
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return 0, 0, territory.Errorf(protocol.ErrBadRequest, "invalid lng")
	}
	return la, ln, nil
}

func (s *Server) record(e plog.Entry) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Write(e); err != nil {
		s.log.Printf("ledger: %v", err)
	}
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }
