// Package smtpmime turns a [Message] into the bytes of an RFC 5322 / MIME
// mail and the SMTP envelope it is sent under.
//
// Text parts go out as 7bit when they are plain ASCII with short lines and
// as quoted-printable UTF-8 otherwise; attachments are base64. Bcc
// recipients are part of the envelope only.
package smtpmime
