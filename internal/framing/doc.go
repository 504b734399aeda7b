// Package framing reads complete HTTP/1.x messages off a byte stream without
// interpreting them. A message is its start line, the header lines up to the
// blank terminator line, and exactly Content-Length body bytes. The bytes are
// returned unmodified so they can be relayed verbatim.
package framing
