// Package ssh runs exec actions and readiness checks on remote hosts.
//
// Commands run in a session of their own. Their environment is passed as
// shell assignments on the command line, not as env requests. Files are copied over SFTP before the command runs. A Pool
// keeps one connection per user@host:port for the length of a deployment
// and replaces connections that stop answering keep-alives.
package ssh
