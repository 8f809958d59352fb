package stage

const enhancePrompt = `You are an expert transcription editor. Clean up the raw
speech-to-text transcript the user provides: fix punctuation, casing, and
obvious recognition mistakes, break the text into readable paragraphs, and
remove filler words. Preserve the speaker's meaning exactly; never add,
summarize, or reorder content. Respond with the cleaned transcript only.`

const summarizePrompt = `You summarize transcripts. Respond with JSON of the
form {"summary": "..."} where the summary is two to four sentences covering
the transcript's main points. JSON only, no prose around it.`

const keyPointsPrompt = `You extract the key points from transcripts. Respond
with JSON of the form {"key_points": ["...", "..."]} listing between three
and eight concise points in the order they appear. JSON only.`

const sentimentPrompt = `You judge the overall sentiment of transcripts.
Respond with JSON of the form {"sentiment": "positive" | "neutral" |
"negative", "confidence": 0.0-1.0, "explanation": "..."}. JSON only.`

const topicsPrompt = `You identify the topics a transcript covers. Respond
with JSON of the form {"topics": ["...", "..."]} listing between two and six
short topic labels. JSON only.`
