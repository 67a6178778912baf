package main

const usageText = `Usage: detector [flags] <command> [args]

Commands:
  annotate -o OUT.tfrecord IN.tfrecord [IN.tfrecord ...]
        run the detection graph on every record and write annotated records
  detect IMAGE [IMAGE ...]
        print detections for each image as one JSON object per line
  crop IMAGE [IMAGE ...]
        save expanded crops around detections of the target class

Flags:
`

const (
	MsgMissingCommand = "missing command"
	MsgMissingOutput  = "annotate needs an output file (-o)"
	MsgMissingInputs  = "no input files given"
)
