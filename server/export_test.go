package server

var ExtractBearerToken = extractBearerToken

func (s *Server) OpAuthorized(tok, op string) error {
	return s.opAuthorized(tok, op)
}
