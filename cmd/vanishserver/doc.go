// Command vanishserver hosts files for a limited time.
//
// Clients upload with a PUT request whose body is the file content, and get
// back a download link embedding a 16 hex digit key. GET requests for that key
// return the content until it is deleted with a DELETE request or until the
// retention window expires, whichever comes first. The protocol looks like
// HTTP/1.1 but is much simpler: one request per connection, no header is
// interpreted, and the end of an upload is detected when the client closes
// its side of the connection or stops sending for a short while, e.g.,
//
//	$ (printf 'PUT /notes.txt HTTP/1.1\r\n\r\n'; cat notes.txt) | nc -N localhost 80
//
// Requests that cannot be parsed, and connections over the concurrency cap,
// are closed without a response.
//
// The configuration file (see -config) is read with relaxed JSON syntax. All
// properties are optional:
//
//	{
//		listen_address: ":80"
//		public_host: "files.example.org"
//		data_path: "$HOME/lib/vanish/files"
//		index_path: "$HOME/lib/vanish/index.db"
//		max_concurrent: 16
//		retention: "1h"
//		sweep_interval: "5s"
//		idle_timeout: "300ms"
//		read_timeout: "30s"
//		accept_rate: 0
//		accept_burst: 0
//		max_disk_percent: 95
//		debug: false
//		log_path: "$HOME/lib/vanish/log"
//	}
package main // import "github.com/nicolagi/vanish/cmd/vanishserver"
