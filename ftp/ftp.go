// Package ftp is the control channel of the FTP server. It parses the
// commands of a session and drives the data connection of package dataconn.
package ftp

// StatusCode is a type for FTP status codes
type StatusCode = int

const (
	StatusDataConnectionAlreadyOpen StatusCode = 125 // Data connection already open; transfer starting
	StatusFileStatusOK              StatusCode = 150 // File status okay; about to open data connection

	StatusCommandOK                       StatusCode = 200 // Command okay
	StatusSystemStatus                    StatusCode = 211 // System status, or system help reply
	StatusFileStatus                      StatusCode = 213 // File status
	StatusHelpMessage                     StatusCode = 214 // Help message
	StatusNameSystemType                  StatusCode = 215 // NAME system type
	StatusServiceReadyForNewUser          StatusCode = 220 // Service ready for new user
	StatusServiceClosingControlConnection StatusCode = 221 // Service closing control connection
	StatusDataConnectionOpen              StatusCode = 225 // Data connection open; no transfer in progress
	StatusClosingDataConnection           StatusCode = 226 // Closing data connection; requested file action successful
	StatusEnteringPassiveMode             StatusCode = 227 // Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	StatusEnteringExtendedPassiveMode     StatusCode = 229 // Entering Extended Passive Mode (|||port|)
	StatusUserLoggedIn                    StatusCode = 230 // User logged in, proceed
	StatusFileActionOK                    StatusCode = 250 // Requested file action okay, completed
	StatusPathnameCreated                 StatusCode = 257 // "PATHNAME" created

	StatusUserNameOK        StatusCode = 331 // User name okay, need password
	StatusFileActionPending StatusCode = 350 // Requested file action pending further information

	StatusServiceNotAvailable             StatusCode = 421 // Service not available, closing control connection
	StatusCantOpenDataConnection          StatusCode = 425 // Can't open data connection
	StatusConnectionClosedTransferAborted StatusCode = 426 // Connection closed; transfer aborted
	StatusInvalidUsernameOrPassword       StatusCode = 430 // Invalid username or password
	StatusLocalProcessingError            StatusCode = 451 // Requested action aborted: local error in processing
	StatusInsufficientStorage             StatusCode = 452 // Requested action not taken; insufficient storage space

	StatusSyntaxError                   StatusCode = 500 // Syntax error, command unrecognized
	StatusSyntaxErrorInParameters       StatusCode = 501 // Syntax error in parameters or arguments
	StatusCommandNotImplemented         StatusCode = 502 // Command not implemented
	StatusBadSequenceOfCommands         StatusCode = 503 // Bad sequence of commands
	StatusCommandNotImplementedForParam StatusCode = 504 // Command not implemented for that parameter
	StatusNotLoggedIn                   StatusCode = 530 // Not logged in
	StatusFileUnavailable               StatusCode = 550 // Requested action not taken; File unavailable
	StatusExceededStorageAllocation     StatusCode = 552 // Requested file action aborted; exceeded storage allocation
)

type Command = string

const (
	USER Command = "USER" // Send username
	PASS Command = "PASS" // Send password

	TYPE Command = "TYPE" // Set data transfer type (ASCII/Binary)
	MODE Command = "MODE" // Set data transfer mode (Stream/Block/Compressed)
	STRU Command = "STRU" // Set file structure (File/Record/Page)
	PASV Command = "PASV" // Enter passive mode
	EPSV Command = "EPSV" // Enter extended passive mode
	PORT Command = "PORT" // Set the active mode address
	EPRT Command = "EPRT" // Set the extended active mode address

	RETR Command = "RETR" // Retrieve a file
	STOR Command = "STOR" // Store a file
	APPE Command = "APPE" // Append to a file
	STOU Command = "STOU" // Store a file under a unique name
	REST Command = "REST" // Restart the next transfer at an offset
	LIST Command = "LIST" // List directory contents
	NLST Command = "NLST" // Get concise list of filenames
	MLSD Command = "MLSD" // Machine readable directory listing
	MLST Command = "MLST" // Machine readable file facts
	ABOR Command = "ABOR" // Abort an active transfer

	RNFR Command = "RNFR" // Rename from (start the rename process)
	RNTO Command = "RNTO" // Rename to (finish the rename process)
	DELE Command = "DELE" // Delete a file
	CWD  Command = "CWD"  // Change working directory
	CDUP Command = "CDUP" // Change to parent directory
	MKD  Command = "MKD"  // Make directory
	RMD  Command = "RMD"  // Remove directory
	PWD  Command = "PWD"  // Print working directory
	SIZE Command = "SIZE" // File size
	MDTM Command = "MDTM" // File modification time

	SYST Command = "SYST" // Get operating system type
	FEAT Command = "FEAT" // List the supported features
	OPTS Command = "OPTS" // Set an option of a command
	STAT Command = "STAT" // Get server status
	HELP Command = "HELP" // Get help
	NOOP Command = "NOOP" // No operation (often used to keep connections alive)
	QUIT Command = "QUIT" // Disconnect from the server
)
