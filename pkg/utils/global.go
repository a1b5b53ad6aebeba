package utils

//UnknownLabel is reported for a make/model or plate that was never read for a track
const UnknownLabel = "unknown"

//DefaultClassifyEvery is the default classification cadence, in frames
const DefaultClassifyEvery = 10

//DefaultReadEvery is the default plate reading cadence, in frames
const DefaultReadEvery = 30

//ProgressLogEvery is how often (in frames) a running session logs its progress
const ProgressLogEvery = 30

//LiveFrameWidth is the capture width requested from live devices
const LiveFrameWidth = 1280

//LiveFrameHeight is the capture height requested from live devices
const LiveFrameHeight = 720

//VehicleClasses is the default allow-list of detector labels kept by the frame analyzer
var VehicleClasses = []string{"car", "motorcycle", "bus", "truck"}

//ResultsFileName is the default batch results file
const ResultsFileName = "results.csv"

//LiveResultsFileName is the default live results file, written when a live session ends
const LiveResultsFileName = "live_results.csv"

//LiveSnapshotLayout formats the timestamp of a live "save now" file: live_results_<layout>.csv
const LiveSnapshotLayout = "20060102_150405"
