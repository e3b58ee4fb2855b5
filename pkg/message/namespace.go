package message

// Namespace constants used when inspecting SOAP responses
const (
	NsSOAP11Env = "http://schemas.xmlsoap.org/soap/envelope/"
	NsSOAP12Env = "http://www.w3.org/2003/05/soap-envelope"
	NsWSA       = "http://www.w3.org/2005/08/addressing"
	NsWSA200408 = "http://schemas.xmlsoap.org/ws/2004/08/addressing"
)

// Content types
const (
	ContentTypeTextXML   = "text/xml"
	ContentTypeSOAP      = "application/soap+xml"
	ContentTypeMultipart = "multipart/related"
)
