package models

const (
	ThinkTag         = `(?s)<think>.*?</think>`
	ContextSeparator = "\n---\n"

	// FallbackAnswer is returned verbatim when nothing relevant was retrieved.
	FallbackAnswer = "I could not find this in your uploaded documents."

	NoDocumentsWarning = "Please upload and process your PDF first!"

	// SourceExcerptLen is how much of a chunk is shown as a citation excerpt.
	SourceExcerptLen = 300
)

var (
	SystemPromptTemplate = `You are a helpful assistant that answers questions based on the uploaded documents.
Answer only from the context excerpts provided by the user. Do not use prior knowledge.
If the answer is not found in the documents, say "%s"`

	QuestionPromptTemplate = `Context from documents:
%s

Question: %s

Answer clearly and concisely:`

	CondensePromptTemplate = `Given the following conversation and a follow up question, rephrase the follow up question to be a standalone question, in its original language.

Chat History:
%s
Follow Up Input: %s
Standalone question:`
)
