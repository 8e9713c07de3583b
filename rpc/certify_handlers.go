package rpc

import (
	"net/http"
)

type certifyParams struct {
	Caller     string `json:"caller"`
	Instructor string `json:"instructor"`
}

type batchCertifyParams struct {
	Caller      string   `json:"caller"`
	Instructors []string `json:"instructors"`
}

type batchCertifyResult struct {
	Certified int `json:"certified"`
}

type isCertifiedResult struct {
	Address   string `json:"address"`
	Certified bool   `json:"certified"`
}

func (s *Server) handleCertify(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params certifyParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	instructor, err := decodeHexAddress(params.Instructor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.registry.Certify(caller, instructor); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "certification refused", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleBatchCertify(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params batchCertifyParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	instructors := make([][20]byte, 0, len(params.Instructors))
	for _, raw := range params.Instructors {
		addr, err := decodeHexAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		instructors = append(instructors, addr)
	}
	if err := s.registry.BatchCertify(caller, instructors); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "batch certification refused", err.Error())
		return
	}
	writeResult(w, req.ID, batchCertifyResult{Certified: len(instructors)})
}

func (s *Server) handleRevoke(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params certifyParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	instructor, err := decodeHexAddress(params.Instructor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.registry.Revoke(caller, instructor); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "revocation refused", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleIsCertified(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := decodeHexAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, isCertifiedResult{
		Address:   params.Address,
		Certified: s.registry.IsAuthorized(addr),
	})
}
