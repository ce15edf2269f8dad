package sip

import "errors"

// errCSeqRegression is returned by Registrar.Bind and
// Dialog.CheckRemoteSeq when an incoming request's CSeq does not advance the
// sequence for its (call_id, contact) or (call_id, tag pair), per spec
// invariant 4 ("no dialog's remote_seq ever decreases"). Callers map this
// to 500 Server Internal Error.
var errCSeqRegression = errors.New("sip: cseq did not advance")
